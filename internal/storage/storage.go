// Package storage defines the persistence contract shared by the embedded
// SQLite backend and the distributed Spanner backend. Both implementations
// must produce identical observable results for every operation; the shared
// behavioral suite in storagetest pins that parity.
package storage

import (
	"context"
	"time"
)

// Event status values.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
)

// Event is a transient copy of one queued event row. Mutating it never
// mutates storage; all writes go through explicit Backend calls.
type Event struct {
	ID      int64
	Status  string
	OwnerID string // empty when no worker holds a lease

	PatientBirthDate string
	PatientID        string
	PatientName      string
	PatientSex       string
	AccessionNumber  string

	IUID         string
	ResourceID   string
	ResourceType string
	AppID        string
	AppType      string

	DelaySeconds int
	Retry        int
	FailedReason string

	NextScheduledAt time.Time
	ExpiresAt       time.Time // zero unless a lease is held
	LastUpdatedAt   time.Time
	CreatedAt       time.Time
}

// EventCreate holds the caller-supplied fields for a new event. The backend
// assigns id, status (PENDING), retry (0), timestamps, and
// next_scheduled_time = now + DelaySeconds.
type EventCreate struct {
	PatientBirthDate string
	PatientID        string
	PatientName      string
	PatientSex       string
	AccessionNumber  string

	IUID         string
	ResourceID   string
	ResourceType string
	AppID        string
	AppType      string

	DelaySeconds int
}

// EventUpdate is a single-row conditional update, used to return a claimed
// event to the PENDING pool after a failed dispatch. Updating a missing id is
// a no-op, not an error.
type EventUpdate struct {
	ID              int64
	FailedReason    string
	Retry           int
	Status          string
	NextScheduledAt time.Time
}

// Job is a transient copy of one transfer-job row. Jobs weakly reference
// their event by queue id; deleting the event removes its jobs first.
type Job struct {
	ID            string
	OwnerID       string
	QueueID       int64
	LastUpdatedAt time.Time
	CreatedAt     time.Time
}

// JobCreate holds the upsert fields for a transfer job.
type JobCreate struct {
	ID      string
	OwnerID string
	QueueID int64
}

// Pagination selects a window of the event listing. SortBy is validated
// against an allow-list; unknown columns sort by id.
type Pagination struct {
	Limit  int64
	Offset int64
	SortBy string
}

// DequeueParams are the inputs to the atomic claim.
type DequeueParams struct {
	// AppTypes partitions the queue; Included selects IN vs NOT IN.
	AppTypes []string
	Included bool

	// RetryThreshold excludes rows whose retry count exceeds it.
	RetryThreshold int

	// Limit caps the claimed batch.
	Limit int

	// OwnerID identifies the claiming worker/replica.
	OwnerID string
}

// Backend is the queue/job persistence contract.
//
// Any returned error means "state unknown": callers must not assume a claim,
// delete, or update happened, and should retry on the next poll cycle.
type Backend interface {
	// AddEvent inserts one event with status PENDING and retry 0, and
	// returns its assigned id.
	AddEvent(ctx context.Context, create EventCreate) (int64, error)

	// DeleteEventsByIDs deletes the given events and their jobs. An empty
	// id list is a destructive wildcard: it deletes every event and job.
	DeleteEventsByIDs(ctx context.Context, ids []int64) error

	// UpdateEvent applies a single-row update; missing ids are a no-op.
	UpdateEvent(ctx context.Context, update EventUpdate) error

	// ResetEvents returns the given events (or all, if ids is empty) to
	// PENDING with retry 0, no owner and no lease.
	ResetEvents(ctx context.Context, ids []int64) error

	// EventByID returns one event or ErrNotFound.
	EventByID(ctx context.Context, id int64) (*Event, error)

	// EventsByIDs returns the events matching ids; missing ids are skipped.
	EventsByIDs(ctx context.Context, ids []int64) ([]Event, error)

	// ListEvents returns a page of events sorted by an allow-listed column.
	ListEvents(ctx context.Context, page Pagination) ([]Event, error)

	// EventsByRetryBelow returns events with retry <= threshold.
	EventsByRetryBelow(ctx context.Context, threshold int) ([]Event, error)

	// EventsByAppType returns up to limit events whose app type is (or is
	// not, per included) in appTypes, with retry <= threshold.
	EventsByAppType(ctx context.Context, appTypes []string, included bool, threshold, limit int) ([]Event, error)

	// Dequeue atomically claims a batch of due events: eligible rows are
	// moved to PROCESSING with the caller as owner and a lease deadline
	// derived from the lock policy, and the claimed row images are
	// returned. Each claim additionally costs the row one retry credit so
	// that repeated claiming terminates even if no worker ever resolves
	// the event; the returned copies carry the pre-claim retry count.
	Dequeue(ctx context.Context, params DequeueParams) ([]Event, error)

	// SaveJob upserts a transfer job by id. Creation time is preserved on
	// update; the stored row is returned.
	SaveJob(ctx context.Context, create JobCreate) (*Job, error)

	// DeleteJobsByIDs deletes the given jobs; empty input is a no-op.
	DeleteJobsByIDs(ctx context.Context, ids []string) error

	// DeleteJobsByQueueID deletes every job referencing the event.
	DeleteJobsByQueueID(ctx context.Context, queueID int64) error

	// JobByID returns one job or ErrNotFound.
	JobByID(ctx context.Context, id string) (*Job, error)

	// JobsByQueueID returns the jobs referencing one event.
	JobsByQueueID(ctx context.Context, queueID int64) ([]Job, error)

	// JobsByQueueIDs returns the jobs referencing any of the events.
	JobsByQueueIDs(ctx context.Context, queueIDs []int64) ([]Job, error)

	// Close releases the underlying connection.
	Close() error
}
