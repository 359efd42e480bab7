// Package dispatch defines the outbound collaborators the queue engine needs:
// resource metadata lookup, the executor that calls downstream apps, the
// remote job status client, and the failure notifier.
package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/phtran-dev/saola-eventq/internal/config"
	"github.com/phtran-dev/saola-eventq/internal/storage"
)

// ResourceDescriber resolves an imaging resource into the flat metadata bag
// used to build dispatch payloads. An empty bag means "cannot process yet",
// not a permanent failure.
type ResourceDescriber interface {
	Describe(ctx context.Context, resourceID, resourceType string) (map[string]interface{}, error)
}

// Executor performs outbound calls to a downstream app.
type Executor interface {
	// Send notifies a synchronous app with a payload templated from the
	// resource metadata. Any error counts as a dispatch failure.
	Send(ctx context.Context, app *config.App, tags map[string]interface{}) error

	// SubmitJob asks an asynchronous app to start a remote job for the
	// event and returns the remote job id.
	SubmitJob(ctx context.Context, app *config.App, event storage.Event) (string, error)
}

// JobState classifies a remote job, mirroring the job engine's state names.
type JobState string

const (
	JobPending JobState = "Pending"
	JobRunning JobState = "Running"
	JobSuccess JobState = "Success"
	JobFailure JobState = "Failure"
	JobPaused  JobState = "Paused"
	JobRetry   JobState = "Retry"
)

// Terminal reports whether the remote job can make no further progress on
// its own.
func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailure
}

// JobStatus is a remote job's current state plus its raw detail document.
type JobStatus struct {
	ID      string
	Type    string
	State   JobState
	Details map[string]interface{}
}

// JobStatusClient inspects remote jobs spawned by asynchronous dispatches.
type JobStatusClient interface {
	JobStatus(ctx context.Context, jobID string) (*JobStatus, error)
}

// Notifier delivers failure descriptions best-effort; its own failures must
// never affect queue state, so it returns nothing.
type Notifier interface {
	Notify(message string, detail map[string]interface{})
}

// LogNotifier writes notifications to the service log. It stands in wherever
// no external notification channel is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (n *LogNotifier) Notify(message string, detail map[string]interface{}) {
	n.Log.Warn("dispatch notification", zap.String("message", message), zap.Any("detail", detail))
}
