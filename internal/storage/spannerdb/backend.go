// Package spannerdb implements the storage contract on Cloud Spanner for
// deployments where several replicas share one queue. All claim logic runs as
// DML inside a read-write transaction, so concurrent replicas serialize on
// the database rather than on any process-local lock.
package spannerdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/phtran-dev/saola-eventq/internal/models/m_event"
	"github.com/phtran-dev/saola-eventq/internal/models/m_job"
	"github.com/phtran-dev/saola-eventq/internal/pkg/clock"
	"github.com/phtran-dev/saola-eventq/internal/pkg/query"
	"github.com/phtran-dev/saola-eventq/internal/policy"
	"github.com/phtran-dev/saola-eventq/internal/storage"
)

// Backend is the Cloud Spanner implementation of storage.Backend.
type Backend struct {
	client *spanner.Client
	clock  clock.Clock
	policy *policy.Policy
	log    *zap.Logger
}

var _ storage.Backend = (*Backend)(nil)

// New wraps an existing Spanner client. The caller owns client lifecycle
// configuration; Close closes it.
func New(client *spanner.Client, clk clock.Clock, pol *policy.Policy, log *zap.Logger) *Backend {
	return &Backend{client: client, clock: clk, policy: pol, log: log}
}

// Open creates a Spanner client for the given database path
// (projects/P/instances/I/databases/D).
func Open(ctx context.Context, database string, clk clock.Clock, pol *policy.Policy, log *zap.Logger) (*Backend, error) {
	client, err := spanner.NewClient(ctx, database)
	if err != nil {
		return nil, storage.NewStorageError("open", err)
	}
	log.Info("spanner backend ready", zap.String("database", database))
	return New(client, clk, pol, log), nil
}

// Close releases the Spanner client sessions.
func (b *Backend) Close() error {
	b.client.Close()
	return nil
}

// now truncates to whole seconds so both backends agree on stored precision.
func (b *Backend) now() time.Time {
	return b.clock.Now().UTC().Truncate(time.Second)
}

// eventRow mirrors one StableEventQueues row for ToStruct scanning.
type eventRow struct {
	ID               int64              `spanner:"id"`
	Status           string             `spanner:"status"`
	OwnerID          spanner.NullString `spanner:"owner_id"`
	PatientBirthDate string             `spanner:"patient_birth_date"`
	PatientID        string             `spanner:"patient_id"`
	PatientName      string             `spanner:"patient_name"`
	PatientSex       string             `spanner:"patient_sex"`
	AccessionNumber  string             `spanner:"accession_number"`
	IUID             string             `spanner:"iuid"`
	ResourceID       string             `spanner:"resource_id"`
	ResourceType     string             `spanner:"resource_type"`
	AppID            string             `spanner:"app_id"`
	AppType          string             `spanner:"app_type"`
	DelaySec         int64              `spanner:"delay_sec"`
	Retry            int64              `spanner:"retry"`
	FailedReason     string             `spanner:"failed_reason"`
	NextScheduled    time.Time          `spanner:"next_scheduled_time"`
	Expiration       spanner.NullTime   `spanner:"expiration_time"`
	LastUpdated      time.Time          `spanner:"last_updated_time"`
	Creation         time.Time          `spanner:"creation_time"`
}

func (r *eventRow) toEvent() storage.Event {
	e := storage.Event{
		ID:               r.ID,
		Status:           r.Status,
		OwnerID:          r.OwnerID.StringVal,
		PatientBirthDate: r.PatientBirthDate,
		PatientID:        r.PatientID,
		PatientName:      r.PatientName,
		PatientSex:       r.PatientSex,
		AccessionNumber:  r.AccessionNumber,
		IUID:             r.IUID,
		ResourceID:       r.ResourceID,
		ResourceType:     r.ResourceType,
		AppID:            r.AppID,
		AppType:          r.AppType,
		DelaySeconds:     int(r.DelaySec),
		Retry:            int(r.Retry),
		FailedReason:     r.FailedReason,
		NextScheduledAt:  r.NextScheduled.UTC(),
		LastUpdatedAt:    r.LastUpdated.UTC(),
		CreatedAt:        r.Creation.UTC(),
	}
	if r.Expiration.Valid {
		e.ExpiresAt = r.Expiration.Time.UTC()
	}
	return e
}

// jobRow mirrors one TransferJobs row for ToStruct scanning.
type jobRow struct {
	ID          string    `spanner:"id"`
	OwnerID     string    `spanner:"owner_id"`
	QueueID     int64     `spanner:"queue_id"`
	LastUpdated time.Time `spanner:"last_updated_time"`
	Creation    time.Time `spanner:"creation_time"`
}

func (r *jobRow) toJob() storage.Job {
	return storage.Job{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		QueueID:       r.QueueID,
		LastUpdatedAt: r.LastUpdated.UTC(),
		CreatedAt:     r.Creation.UTC(),
	}
}

func eventColumns() string {
	return strings.Join(m_event.Columns(), ", ")
}

func jobColumns() string {
	return strings.Join(m_job.Columns(), ", ")
}

// AddEvent inserts one PENDING event; the id comes from the sequence and is
// read back through THEN RETURN.
func (b *Backend) AddEvent(ctx context.Context, create storage.EventCreate) (int64, error) {
	now := b.now()
	stmt := spanner.Statement{
		SQL: `INSERT INTO StableEventQueues
		   (patient_birth_date, patient_id, patient_name, patient_sex, accession_number,
		    iuid, resource_id, resource_type, app_id, app_type,
		    delay_sec, last_updated_time, creation_time, next_scheduled_time)
		 VALUES (@bd, @pid, @pname, @psex, @acc, @iuid, @rid, @rtype, @aid, @atype, @delay, @now, @now, @next)
		 THEN RETURN id`,
		Params: map[string]interface{}{
			"bd":    create.PatientBirthDate,
			"pid":   create.PatientID,
			"pname": create.PatientName,
			"psex":  create.PatientSex,
			"acc":   create.AccessionNumber,
			"iuid":  create.IUID,
			"rid":   create.ResourceID,
			"rtype": create.ResourceType,
			"aid":   create.AppID,
			"atype": create.AppType,
			"delay": int64(create.DelaySeconds),
			"now":   now,
			"next":  now.Add(time.Duration(create.DelaySeconds) * time.Second),
		},
	}

	var id int64
	_, err := b.client.ReadWriteTransaction(ctx, func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		iter := tx.Query(ctx, stmt)
		defer iter.Stop()
		row, err := iter.Next()
		if err != nil {
			return err
		}
		return row.Columns(&id)
	})
	if err != nil {
		return 0, storage.NewStorageError("add event", err)
	}
	return id, nil
}

// DeleteEventsByIDs deletes events and their jobs in one transaction, jobs
// first. Empty ids empties both tables.
func (b *Backend) DeleteEventsByIDs(ctx context.Context, ids []int64) error {
	var jobStmt, eventStmt spanner.Statement
	if len(ids) == 0 {
		jobStmt = spanner.Statement{SQL: "DELETE FROM TransferJobs WHERE TRUE"}
		eventStmt = spanner.Statement{SQL: "DELETE FROM StableEventQueues WHERE TRUE"}
	} else {
		jobStmt = spanner.Statement{
			SQL:    "DELETE FROM TransferJobs WHERE queue_id IN UNNEST(@ids)",
			Params: map[string]interface{}{"ids": ids},
		}
		eventStmt = spanner.Statement{
			SQL:    "DELETE FROM StableEventQueues WHERE id IN UNNEST(@ids)",
			Params: map[string]interface{}{"ids": ids},
		}
	}

	_, err := b.client.ReadWriteTransaction(ctx, func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		_, err := tx.BatchUpdate(ctx, []spanner.Statement{jobStmt, eventStmt})
		return err
	})
	return storage.NewStorageError("delete events", err)
}

// UpdateEvent applies a single-row update; a missing id matches zero rows and
// is a no-op.
func (b *Backend) UpdateEvent(ctx context.Context, update storage.EventUpdate) error {
	status := update.Status
	if status == "" {
		status = storage.StatusPending
	}
	stmt := spanner.Statement{
		SQL: `UPDATE StableEventQueues
		   SET failed_reason=@reason, retry=@retry, last_updated_time=@now, status=@status, next_scheduled_time=@next
		 WHERE id=@id`,
		Params: map[string]interface{}{
			"reason": update.FailedReason,
			"retry":  int64(update.Retry),
			"now":    b.now(),
			"status": status,
			"next":   update.NextScheduledAt.UTC().Truncate(time.Second),
			"id":     update.ID,
		},
	}
	_, err := b.client.ReadWriteTransaction(ctx, func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		_, err := tx.Update(ctx, stmt)
		return err
	})
	return storage.NewStorageError("update event", err)
}

// ResetEvents returns events to the eligible pool with retry 0.
func (b *Backend) ResetEvents(ctx context.Context, ids []int64) error {
	sqlText := `UPDATE StableEventQueues
	  SET status='PENDING', owner_id=NULL, failed_reason='Reset', retry=0,
	      last_updated_time=@now, next_scheduled_time=@now, expiration_time=NULL`
	params := map[string]interface{}{"now": b.now()}
	if len(ids) > 0 {
		sqlText += " WHERE id IN UNNEST(@ids)"
		params["ids"] = ids
	} else {
		sqlText += " WHERE TRUE"
	}

	_, err := b.client.ReadWriteTransaction(ctx, func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		_, err := tx.Update(ctx, spanner.Statement{SQL: sqlText, Params: params})
		return err
	})
	return storage.NewStorageError("reset events", err)
}

// EventByID returns one event or storage.ErrNotFound.
func (b *Backend) EventByID(ctx context.Context, id int64) (*storage.Event, error) {
	stmt := spanner.Statement{
		SQL:    "SELECT " + eventColumns() + " FROM StableEventQueues WHERE id=@id",
		Params: map[string]interface{}{"id": id},
	}
	iter := b.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.NewStorageError("event by id", err)
	}
	var data eventRow
	if err := row.ToStruct(&data); err != nil {
		return nil, storage.NewStorageError("event by id", err)
	}
	event := data.toEvent()
	return &event, nil
}

// EventsByIDs returns the events matching ids, skipping missing ones.
func (b *Backend) EventsByIDs(ctx context.Context, ids []int64) ([]storage.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	stmt := spanner.Statement{
		SQL:    "SELECT " + eventColumns() + " FROM StableEventQueues WHERE id IN UNNEST(@ids)",
		Params: map[string]interface{}{"ids": ids},
	}
	return b.queryEvents(ctx, "events by ids", stmt)
}

// ListEvents returns a page of events sorted by an allow-listed column.
func (b *Backend) ListEvents(ctx context.Context, page storage.Pagination) ([]storage.Event, error) {
	builder := query.From(m_event.TableName).
		Select(m_event.Columns()...).
		OrderBy(m_event.SortColumn(page.SortBy), query.Asc)
	if page.Limit > 0 {
		builder = builder.Limit(page.Limit)
		if page.Offset > 0 {
			builder = builder.Offset(page.Offset)
		}
	}
	sqlText, params := builder.Build()
	return b.queryEvents(ctx, "list events", spanner.Statement{SQL: sqlText, Params: params})
}

// EventsByRetryBelow returns events with retry <= threshold.
func (b *Backend) EventsByRetryBelow(ctx context.Context, threshold int) ([]storage.Event, error) {
	sqlText, params := query.From(m_event.TableName).
		Select(m_event.Columns()...).
		Where(query.Lte(m_event.Retry, int64(threshold))).
		OrderBy(m_event.Retry, query.Asc).
		Build()
	return b.queryEvents(ctx, "events by retry", spanner.Statement{SQL: sqlText, Params: params})
}

// EventsByAppType returns events partitioned by app type.
func (b *Backend) EventsByAppType(ctx context.Context, appTypes []string, included bool, threshold, limit int) ([]storage.Event, error) {
	if len(appTypes) == 0 {
		return nil, nil
	}
	sqlText, params := query.From(m_event.TableName).
		Select(m_event.Columns()...).
		Where(query.InStrings(m_event.AppType, appTypes, included)).
		Where(query.Lte(m_event.Retry, int64(threshold))).
		OrderBy(m_event.Retry, query.Asc).
		Limit(int64(limit)).
		Build()
	return b.queryEvents(ctx, "events by app type", spanner.Statement{SQL: sqlText, Params: params})
}

func (b *Backend) queryEvents(ctx context.Context, op string, stmt spanner.Statement) ([]storage.Event, error) {
	iter := b.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var events []storage.Event
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, storage.NewStorageError(op, err)
		}
		var data eventRow
		if err := row.ToStruct(&data); err != nil {
			return nil, storage.NewStorageError(op, err)
		}
		events = append(events, data.toEvent())
	}
	return events, nil
}

// Dequeue atomically claims up to limit due events for params.OwnerID.
//
// A single DML statement inside a read-write transaction moves eligible rows
// to PROCESSING and reads them back with THEN RETURN; concurrent replicas
// serialize on the transaction, so no row is ever claimed twice within one
// lease window. A follow-up batch charges each claimed row one retry credit;
// the returned copies keep the pre-claim count.
func (b *Backend) Dequeue(ctx context.Context, params storage.DequeueParams) ([]storage.Event, error) {
	if len(params.AppTypes) == 0 {
		return nil, nil
	}

	now := b.now()
	stmtParams := map[string]interface{}{
		"owner": params.OwnerID,
		"now":   now,
		"types": params.AppTypes,
		"retry": int64(params.RetryThreshold),
		"limit": int64(params.Limit),
	}

	var caseExpr strings.Builder
	caseExpr.WriteString("CASE app_type ")
	for i, tl := range b.policy.TypeLeases() {
		caseExpr.WriteString(fmt.Sprintf("WHEN @lt%d THEN @le%d ", i, i))
		stmtParams[fmt.Sprintf("lt%d", i)] = tl.AppType
		stmtParams[fmt.Sprintf("le%d", i)] = now.Add(tl.Lease)
	}
	caseExpr.WriteString("ELSE @ledefault END")
	stmtParams["ledefault"] = now.Add(b.policy.DefaultLease())

	inOp := "IN"
	if !params.Included {
		inOp = "NOT IN"
	}

	stmt := spanner.Statement{
		SQL: `UPDATE StableEventQueues
		  SET status='PROCESSING', owner_id=@owner, last_updated_time=@now, expiration_time=` + caseExpr.String() + `
		  WHERE id IN (
		    SELECT id FROM StableEventQueues
		    WHERE (
		        (status='PENDING' AND (owner_id IS NULL OR owner_id=@owner) AND next_scheduled_time <= @now)
		        OR
		        (status='PROCESSING' AND expiration_time < @now)
		      )
		      AND app_type ` + inOp + ` UNNEST(@types)
		      AND retry <= @retry
		    ORDER BY retry ASC, creation_time ASC
		    LIMIT @limit
		  )
		  THEN RETURN ` + eventColumns(),
		Params: stmtParams,
	}

	var claimed []storage.Event
	_, err := b.client.ReadWriteTransaction(ctx, func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		claimed = claimed[:0]

		iter := tx.Query(ctx, stmt)
		for {
			row, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				return err
			}
			var data eventRow
			if err := row.ToStruct(&data); err != nil {
				iter.Stop()
				return err
			}
			claimed = append(claimed, data.toEvent())
		}
		iter.Stop()

		if len(claimed) == 0 {
			return nil
		}
		bumps := make([]spanner.Statement, len(claimed))
		for i, event := range claimed {
			bumps[i] = spanner.Statement{
				SQL: "UPDATE StableEventQueues SET retry=@retry WHERE id=@id",
				Params: map[string]interface{}{
					"retry": int64(event.Retry + 1),
					"id":    event.ID,
				},
			}
		}
		_, err := tx.BatchUpdate(ctx, bumps)
		return err
	})
	if err != nil {
		return nil, storage.NewStorageError("dequeue", err)
	}

	// THEN RETURN emits rows in engine order, not the claim subquery's order.
	sort.SliceStable(claimed, func(i, j int) bool {
		if claimed[i].Retry != claimed[j].Retry {
			return claimed[i].Retry < claimed[j].Retry
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})
	return claimed, nil
}

// SaveJob upserts one transfer job by id, preserving creation time on update.
func (b *Backend) SaveJob(ctx context.Context, create storage.JobCreate) (*storage.Job, error) {
	var job storage.Job
	_, err := b.client.ReadWriteTransaction(ctx, func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		now := b.now()
		job = storage.Job{ID: create.ID, OwnerID: create.OwnerID, QueueID: create.QueueID, LastUpdatedAt: now}

		iter := tx.Query(ctx, spanner.Statement{
			SQL:    "SELECT " + jobColumns() + " FROM TransferJobs WHERE id=@id",
			Params: map[string]interface{}{"id": create.ID},
		})
		row, err := iter.Next()
		iter.Stop()

		switch {
		case err == iterator.Done:
			job.CreatedAt = now
			_, err = tx.Update(ctx, spanner.Statement{
				SQL: `INSERT INTO TransferJobs (id, owner_id, queue_id, last_updated_time, creation_time)
				 VALUES (@id, @owner, @qid, @now, @now)`,
				Params: map[string]interface{}{
					"id": create.ID, "owner": create.OwnerID, "qid": create.QueueID, "now": now,
				},
			})
			return err
		case err != nil:
			return err
		default:
			var existing jobRow
			if err := row.ToStruct(&existing); err != nil {
				return err
			}
			job.CreatedAt = existing.Creation.UTC()
			_, err = tx.Update(ctx, spanner.Statement{
				SQL: "UPDATE TransferJobs SET owner_id=@owner, queue_id=@qid, last_updated_time=@now WHERE id=@id",
				Params: map[string]interface{}{
					"owner": create.OwnerID, "qid": create.QueueID, "now": now, "id": create.ID,
				},
			})
			return err
		}
	})
	if err != nil {
		return nil, storage.NewStorageError("save job", err)
	}
	return &job, nil
}

// DeleteJobsByIDs deletes the given jobs; empty input is a no-op.
func (b *Backend) DeleteJobsByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := b.client.ReadWriteTransaction(ctx, func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		_, err := tx.Update(ctx, spanner.Statement{
			SQL:    "DELETE FROM TransferJobs WHERE id IN UNNEST(@ids)",
			Params: map[string]interface{}{"ids": ids},
		})
		return err
	})
	return storage.NewStorageError("delete jobs", err)
}

// DeleteJobsByQueueID deletes every job referencing the event.
func (b *Backend) DeleteJobsByQueueID(ctx context.Context, queueID int64) error {
	_, err := b.client.ReadWriteTransaction(ctx, func(ctx context.Context, tx *spanner.ReadWriteTransaction) error {
		_, err := tx.Update(ctx, spanner.Statement{
			SQL:    "DELETE FROM TransferJobs WHERE queue_id=@qid",
			Params: map[string]interface{}{"qid": queueID},
		})
		return err
	})
	return storage.NewStorageError("delete jobs by queue", err)
}

// JobByID returns one job or storage.ErrNotFound.
func (b *Backend) JobByID(ctx context.Context, id string) (*storage.Job, error) {
	iter := b.client.Single().Query(ctx, spanner.Statement{
		SQL:    "SELECT " + jobColumns() + " FROM TransferJobs WHERE id=@id",
		Params: map[string]interface{}{"id": id},
	})
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.NewStorageError("job by id", err)
	}
	var data jobRow
	if err := row.ToStruct(&data); err != nil {
		return nil, storage.NewStorageError("job by id", err)
	}
	job := data.toJob()
	return &job, nil
}

// JobsByQueueID returns the jobs referencing one event.
func (b *Backend) JobsByQueueID(ctx context.Context, queueID int64) ([]storage.Job, error) {
	return b.queryJobs(ctx, "jobs by queue", spanner.Statement{
		SQL:    "SELECT " + jobColumns() + " FROM TransferJobs WHERE queue_id=@qid",
		Params: map[string]interface{}{"qid": queueID},
	})
}

// JobsByQueueIDs returns the jobs referencing any of the events.
func (b *Backend) JobsByQueueIDs(ctx context.Context, queueIDs []int64) ([]storage.Job, error) {
	if len(queueIDs) == 0 {
		return nil, nil
	}
	return b.queryJobs(ctx, "jobs by queues", spanner.Statement{
		SQL:    "SELECT " + jobColumns() + " FROM TransferJobs WHERE queue_id IN UNNEST(@qids)",
		Params: map[string]interface{}{"qids": queueIDs},
	})
}

func (b *Backend) queryJobs(ctx context.Context, op string, stmt spanner.Statement) ([]storage.Job, error) {
	iter := b.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var jobs []storage.Job
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, storage.NewStorageError(op, err)
		}
		var data jobRow
		if err := row.ToStruct(&data); err != nil {
			return nil, storage.NewStorageError(op, err)
		}
		jobs = append(jobs, data.toJob())
	}
	return jobs, nil
}
