// Package sqlite implements the storage contract on an embedded SQLite
// database. A single process owns the file; a process-level mutex plus one
// pooled connection serialize writes, and every mutation runs in a
// transaction so the claim algorithm stays atomic.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/phtran-dev/saola-eventq/internal/models/m_event"
	"github.com/phtran-dev/saola-eventq/internal/models/m_job"
	"github.com/phtran-dev/saola-eventq/internal/pkg/clock"
	"github.com/phtran-dev/saola-eventq/internal/pkg/query"
	"github.com/phtran-dev/saola-eventq/internal/policy"
	"github.com/phtran-dev/saola-eventq/internal/storage"
)

// timeFormat keeps stored timestamps lexicographically sortable.
const timeFormat = time.RFC3339

// Backend is the embedded SQLite implementation of storage.Backend.
type Backend struct {
	mu     sync.Mutex
	db     *sql.DB
	clock  clock.Clock
	policy *policy.Policy
	log    *zap.Logger
}

var _ storage.Backend = (*Backend)(nil)

// Open opens (creating if needed) the database file at path and ensures the
// schema exists.
func Open(path string, clk clock.Clock, pol *policy.Policy, log *zap.Logger) (*Backend, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storage.NewStorageError("open", err)
		}
	}
	return open("file:"+path, clk, pol, log)
}

// OpenInMemory opens a fresh in-memory database for tests.
func OpenInMemory(clk clock.Clock, pol *policy.Policy, log *zap.Logger) (*Backend, error) {
	return open("file::memory:", clk, pol, log)
}

func open(dsn string, clk clock.Clock, pol *policy.Policy, log *zap.Logger) (*Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.NewStorageError("open", err)
	}
	// One connection: in-memory databases are per-connection, and the write
	// path is serialized by the backend mutex anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA journal_mode=WAL;",
		"PRAGMA wal_autocheckpoint=1000;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, storage.NewStorageError("open", err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, storage.NewStorageError("open", fmt.Errorf("ensure schema: %w", err))
	}

	log.Info("sqlite backend ready")
	return &Backend{db: db, clock: clk, policy: pol, log: log}, nil
}

// Close closes the underlying database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) fmtTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(timeFormat)
}

func (b *Backend) now() time.Time {
	return b.clock.Now().UTC().Truncate(time.Second)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// namedArgs converts a builder parameter map into database/sql named values.
func namedArgs(params map[string]interface{}) []interface{} {
	args := make([]interface{}, 0, len(params))
	for k, v := range params {
		args = append(args, sql.Named(k, v))
	}
	return args
}

func eventColumns() string {
	return strings.Join(m_event.Columns(), ", ")
}

func jobColumns() string {
	return strings.Join(m_job.Columns(), ", ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (storage.Event, error) {
	var (
		e          storage.Event
		owner      sql.NullString
		expiration sql.NullString
		next       string
		updated    string
		created    string
	)
	err := row.Scan(
		&e.ID, &e.Status, &owner,
		&e.PatientBirthDate, &e.PatientID, &e.PatientName, &e.PatientSex, &e.AccessionNumber,
		&e.IUID, &e.ResourceID, &e.ResourceType, &e.AppID, &e.AppType,
		&e.DelaySeconds, &e.Retry, &e.FailedReason,
		&next, &expiration, &updated, &created,
	)
	if err != nil {
		return storage.Event{}, err
	}
	e.OwnerID = owner.String
	e.NextScheduledAt = parseTime(next)
	if expiration.Valid {
		e.ExpiresAt = parseTime(expiration.String)
	}
	e.LastUpdatedAt = parseTime(updated)
	e.CreatedAt = parseTime(created)
	return e, nil
}

func scanJob(row rowScanner) (storage.Job, error) {
	var (
		j       storage.Job
		updated string
		created string
	)
	if err := row.Scan(&j.ID, &j.OwnerID, &j.QueueID, &updated, &created); err != nil {
		return storage.Job{}, err
	}
	j.LastUpdatedAt = parseTime(updated)
	j.CreatedAt = parseTime(created)
	return j, nil
}

// AddEvent inserts one PENDING event and returns its assigned id.
func (b *Backend) AddEvent(ctx context.Context, create storage.EventCreate) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var id int64
	err := b.db.QueryRowContext(ctx,
		`INSERT INTO StableEventQueues
		   (patient_birth_date, patient_id, patient_name, patient_sex, accession_number,
		    iuid, resource_id, resource_type, app_id, app_type,
		    delay_sec, last_updated_time, creation_time, next_scheduled_time)
		 VALUES (@bd, @pid, @pname, @psex, @acc, @iuid, @rid, @rtype, @aid, @atype, @delay, @now, @now, @next)
		 RETURNING id`,
		sql.Named("bd", create.PatientBirthDate),
		sql.Named("pid", create.PatientID),
		sql.Named("pname", create.PatientName),
		sql.Named("psex", create.PatientSex),
		sql.Named("acc", create.AccessionNumber),
		sql.Named("iuid", create.IUID),
		sql.Named("rid", create.ResourceID),
		sql.Named("rtype", create.ResourceType),
		sql.Named("aid", create.AppID),
		sql.Named("atype", create.AppType),
		sql.Named("delay", create.DelaySeconds),
		sql.Named("now", b.fmtTime(now)),
		sql.Named("next", b.fmtTime(now.Add(time.Duration(create.DelaySeconds)*time.Second))),
	).Scan(&id)
	if err != nil {
		return 0, storage.NewStorageError("add event", err)
	}
	return id, nil
}

// DeleteEventsByIDs deletes events and their jobs. Empty ids deletes all
// rows in both tables. Jobs go first so no orphan ever becomes visible.
func (b *Backend) DeleteEventsByIDs(ctx context.Context, ids []int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewStorageError("delete events", err)
	}
	defer tx.Rollback()

	if len(ids) == 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM TransferJobs"); err != nil {
			return storage.NewStorageError("delete events", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM StableEventQueues"); err != nil {
			return storage.NewStorageError("delete events", err)
		}
	} else {
		inClause, params := idList(ids)
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM TransferJobs WHERE queue_id IN ("+inClause+")", namedArgs(params)...); err != nil {
			return storage.NewStorageError("delete events", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM StableEventQueues WHERE id IN ("+inClause+")", namedArgs(params)...); err != nil {
			return storage.NewStorageError("delete events", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.NewStorageError("delete events", err)
	}
	return nil
}

// idList renders ids as named placeholders so the clause length always
// matches the value count.
func idList(ids []int64) (string, map[string]interface{}) {
	placeholders := make([]string, len(ids))
	params := make(map[string]interface{}, len(ids))
	for i, id := range ids {
		name := fmt.Sprintf("id%d", i)
		placeholders[i] = "@" + name
		params[name] = id
	}
	return strings.Join(placeholders, ", "), params
}

// UpdateEvent applies a single-row update; a missing id is a no-op.
func (b *Backend) UpdateEvent(ctx context.Context, update storage.EventUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := update.Status
	if status == "" {
		status = storage.StatusPending
	}
	_, err := b.db.ExecContext(ctx,
		`UPDATE StableEventQueues
		   SET failed_reason=@reason, retry=@retry, last_updated_time=@now, status=@status, next_scheduled_time=@next
		 WHERE id=@id`,
		sql.Named("reason", update.FailedReason),
		sql.Named("retry", update.Retry),
		sql.Named("now", b.fmtTime(b.now())),
		sql.Named("status", status),
		sql.Named("next", b.fmtTime(update.NextScheduledAt)),
		sql.Named("id", update.ID),
	)
	if err != nil {
		return storage.NewStorageError("update event", err)
	}
	return nil
}

// ResetEvents returns events to the eligible pool with retry 0.
func (b *Backend) ResetEvents(ctx context.Context, ids []int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.fmtTime(b.now())
	sqlText := `UPDATE StableEventQueues
	  SET status='PENDING', owner_id=NULL, failed_reason='Reset', retry=0,
	      last_updated_time=@now, next_scheduled_time=@now, expiration_time=NULL`
	args := []interface{}{sql.Named("now", now)}

	if len(ids) > 0 {
		inClause, params := idList(ids)
		sqlText += " WHERE id IN (" + inClause + ")"
		args = append(args, namedArgs(params)...)
	}

	if _, err := b.db.ExecContext(ctx, sqlText, args...); err != nil {
		return storage.NewStorageError("reset events", err)
	}
	return nil
}

// EventByID returns one event or storage.ErrNotFound.
func (b *Backend) EventByID(ctx context.Context, id int64) (*storage.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row := b.db.QueryRowContext(ctx,
		"SELECT "+eventColumns()+" FROM StableEventQueues WHERE id=@id", sql.Named("id", id))
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.NewStorageError("event by id", err)
	}
	return &event, nil
}

// EventsByIDs returns the events matching ids, skipping missing ones.
func (b *Backend) EventsByIDs(ctx context.Context, ids []int64) ([]storage.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	boxed := make([]interface{}, len(ids))
	for i, id := range ids {
		boxed[i] = id
	}
	sqlText, params := query.From(m_event.TableName).
		Select(m_event.Columns()...).
		Where(query.In(m_event.ID, boxed...)).
		Build()
	return b.queryEvents(ctx, "events by ids", sqlText, params)
}

// ListEvents returns a page of events sorted by an allow-listed column.
func (b *Backend) ListEvents(ctx context.Context, page storage.Pagination) ([]storage.Event, error) {
	builder := query.From(m_event.TableName).
		Select(m_event.Columns()...).
		OrderBy(m_event.SortColumn(page.SortBy), query.Asc)
	if page.Limit > 0 {
		// OFFSET needs an accompanying LIMIT in SQLite, so both are gated
		// on a positive limit.
		builder = builder.Limit(page.Limit)
		if page.Offset > 0 {
			builder = builder.Offset(page.Offset)
		}
	}
	sqlText, params := builder.Build()
	return b.queryEvents(ctx, "list events", sqlText, params)
}

// EventsByRetryBelow returns events with retry <= threshold.
func (b *Backend) EventsByRetryBelow(ctx context.Context, threshold int) ([]storage.Event, error) {
	sqlText, params := query.From(m_event.TableName).
		Select(m_event.Columns()...).
		Where(query.Lte(m_event.Retry, threshold)).
		OrderBy(m_event.Retry, query.Asc).
		Build()
	return b.queryEvents(ctx, "events by retry", sqlText, params)
}

// EventsByAppType returns events partitioned by app type.
func (b *Backend) EventsByAppType(ctx context.Context, appTypes []string, included bool, threshold, limit int) ([]storage.Event, error) {
	if len(appTypes) == 0 {
		return nil, nil
	}
	sqlText, params := query.From(m_event.TableName).
		Select(m_event.Columns()...).
		Where(query.InStrings(m_event.AppType, appTypes, included)).
		Where(query.Lte(m_event.Retry, threshold)).
		OrderBy(m_event.Retry, query.Asc).
		Limit(int64(limit)).
		Build()
	return b.queryEvents(ctx, "events by app type", sqlText, params)
}

func (b *Backend) queryEvents(ctx context.Context, op, sqlText string, params map[string]interface{}) ([]storage.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx, sqlText, namedArgs(params)...)
	if err != nil {
		return nil, storage.NewStorageError(op, err)
	}
	defer rows.Close()

	var events []storage.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, storage.NewStorageError(op, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.NewStorageError(op, err)
	}
	return events, nil
}

// Dequeue atomically claims up to limit due events for params.OwnerID.
//
// One transaction moves the selected rows to PROCESSING with a lease deadline
// from the lock policy and reads the claimed rows back through RETURNING, so
// there is no window between select and read-back. A second statement inside
// the same transaction charges each claimed row one retry credit; the crash of
// a claiming worker therefore consumes a credit and claiming terminates after
// retryThreshold attempts even if no worker ever resolves the event.
func (b *Backend) Dequeue(ctx context.Context, params storage.DequeueParams) ([]storage.Event, error) {
	if len(params.AppTypes) == 0 {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	nowStr := b.fmtTime(now)

	args := []interface{}{
		sql.Named("owner", params.OwnerID),
		sql.Named("now", nowStr),
		sql.Named("retry", params.RetryThreshold),
		sql.Named("limit", params.Limit),
	}

	// Lease deadline per app type, encoded as a CASE over the policy map.
	var caseExpr strings.Builder
	caseExpr.WriteString("CASE app_type ")
	for i, tl := range b.policy.TypeLeases() {
		caseExpr.WriteString(fmt.Sprintf("WHEN @lt%d THEN @le%d ", i, i))
		args = append(args,
			sql.Named(fmt.Sprintf("lt%d", i), tl.AppType),
			sql.Named(fmt.Sprintf("le%d", i), b.fmtTime(now.Add(tl.Lease))),
		)
	}
	caseExpr.WriteString("ELSE @ledefault END")
	args = append(args, sql.Named("ledefault", b.fmtTime(now.Add(b.policy.DefaultLease()))))

	inOp := "IN"
	if !params.Included {
		inOp = "NOT IN"
	}
	typePlaceholders := make([]string, len(params.AppTypes))
	for i, appType := range params.AppTypes {
		name := fmt.Sprintf("t%d", i)
		typePlaceholders[i] = "@" + name
		args = append(args, sql.Named(name, appType))
	}

	sqlText := `UPDATE StableEventQueues
	  SET status='PROCESSING', owner_id=@owner, last_updated_time=@now, expiration_time=` + caseExpr.String() + `
	  WHERE id IN (
	    SELECT id FROM StableEventQueues
	    WHERE (
	        (status='PENDING' AND (owner_id IS NULL OR owner_id=@owner) AND next_scheduled_time <= @now)
	        OR
	        (status='PROCESSING' AND expiration_time < @now)
	      )
	      AND app_type ` + inOp + ` (` + strings.Join(typePlaceholders, ", ") + `)
	      AND retry <= @retry
	    ORDER BY retry ASC, creation_time ASC
	    LIMIT @limit
	  )
	  RETURNING ` + eventColumns()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.NewStorageError("dequeue", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, storage.NewStorageError("dequeue", err)
	}

	var claimed []storage.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, storage.NewStorageError("dequeue", err)
		}
		claimed = append(claimed, event)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storage.NewStorageError("dequeue", err)
	}
	rows.Close()

	// Each claim attempt costs one retry credit, even if the worker dies
	// before resolving the batch. The returned copies keep the pre-claim
	// count.
	for _, event := range claimed {
		if _, err := tx.ExecContext(ctx,
			"UPDATE StableEventQueues SET retry=@retry WHERE id=@id",
			sql.Named("retry", event.Retry+1),
			sql.Named("id", event.ID),
		); err != nil {
			return nil, storage.NewStorageError("dequeue", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storage.NewStorageError("dequeue", err)
	}

	// RETURNING emits rows in engine order, not the claim subquery's order.
	sortClaimed(claimed)
	return claimed, nil
}

// sortClaimed restores the claim order (retry, then age) on a returned batch.
func sortClaimed(claimed []storage.Event) {
	sort.SliceStable(claimed, func(i, j int) bool {
		if claimed[i].Retry != claimed[j].Retry {
			return claimed[i].Retry < claimed[j].Retry
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})
}

// SaveJob upserts one transfer job by id, preserving creation time on update.
func (b *Backend) SaveJob(ctx context.Context, create storage.JobCreate) (*storage.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.NewStorageError("save job", err)
	}
	defer tx.Rollback()

	now := b.fmtTime(b.now())
	row := tx.QueryRowContext(ctx,
		"SELECT "+jobColumns()+" FROM TransferJobs WHERE id=@id LIMIT 1", sql.Named("id", create.ID))
	existing, err := scanJob(row)

	job := storage.Job{ID: create.ID, OwnerID: create.OwnerID, QueueID: create.QueueID}
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO TransferJobs (id, owner_id, queue_id, last_updated_time, creation_time)
			 VALUES (@id, @owner, @qid, @now, @now)`,
			sql.Named("id", create.ID),
			sql.Named("owner", create.OwnerID),
			sql.Named("qid", create.QueueID),
			sql.Named("now", now),
		); err != nil {
			return nil, storage.NewStorageError("save job", err)
		}
		job.CreatedAt = parseTime(now)
		job.LastUpdatedAt = parseTime(now)
	case err != nil:
		return nil, storage.NewStorageError("save job", err)
	default:
		if _, err := tx.ExecContext(ctx,
			"UPDATE TransferJobs SET owner_id=@owner, queue_id=@qid, last_updated_time=@now WHERE id=@id",
			sql.Named("owner", create.OwnerID),
			sql.Named("qid", create.QueueID),
			sql.Named("now", now),
			sql.Named("id", create.ID),
		); err != nil {
			return nil, storage.NewStorageError("save job", err)
		}
		job.CreatedAt = existing.CreatedAt
		job.LastUpdatedAt = parseTime(now)
	}

	if err := tx.Commit(); err != nil {
		return nil, storage.NewStorageError("save job", err)
	}
	return &job, nil
}

// DeleteJobsByIDs deletes the given jobs; empty input is a no-op.
func (b *Backend) DeleteJobsByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		name := fmt.Sprintf("id%d", i)
		placeholders[i] = "@" + name
		args[i] = sql.Named(name, id)
	}
	_, err := b.db.ExecContext(ctx,
		"DELETE FROM TransferJobs WHERE id IN ("+strings.Join(placeholders, ", ")+")", args...)
	if err != nil {
		return storage.NewStorageError("delete jobs", err)
	}
	return nil
}

// DeleteJobsByQueueID deletes every job referencing the event.
func (b *Backend) DeleteJobsByQueueID(ctx context.Context, queueID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.ExecContext(ctx,
		"DELETE FROM TransferJobs WHERE queue_id=@qid", sql.Named("qid", queueID))
	if err != nil {
		return storage.NewStorageError("delete jobs by queue", err)
	}
	return nil
}

// JobByID returns one job or storage.ErrNotFound.
func (b *Backend) JobByID(ctx context.Context, id string) (*storage.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row := b.db.QueryRowContext(ctx,
		"SELECT "+jobColumns()+" FROM TransferJobs WHERE id=@id", sql.Named("id", id))
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.NewStorageError("job by id", err)
	}
	return &job, nil
}

// JobsByQueueID returns the jobs referencing one event.
func (b *Backend) JobsByQueueID(ctx context.Context, queueID int64) ([]storage.Job, error) {
	sqlText, params := query.From(m_job.TableName).
		Select(m_job.Columns()...).
		Where(query.Eq(m_job.QueueID, queueID)).
		Build()
	return b.queryJobs(ctx, "jobs by queue", sqlText, params)
}

// JobsByQueueIDs returns the jobs referencing any of the events.
func (b *Backend) JobsByQueueIDs(ctx context.Context, queueIDs []int64) ([]storage.Job, error) {
	if len(queueIDs) == 0 {
		return nil, nil
	}
	boxed := make([]interface{}, len(queueIDs))
	for i, id := range queueIDs {
		boxed[i] = id
	}
	sqlText, params := query.From(m_job.TableName).
		Select(m_job.Columns()...).
		Where(query.In(m_job.QueueID, boxed...)).
		Build()
	return b.queryJobs(ctx, "jobs by queues", sqlText, params)
}

func (b *Backend) queryJobs(ctx context.Context, op, sqlText string, params map[string]interface{}) ([]storage.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx, sqlText, namedArgs(params)...)
	if err != nil {
		return nil, storage.NewStorageError(op, err)
	}
	defer rows.Close()

	var jobs []storage.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storage.NewStorageError(op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.NewStorageError(op, err)
	}
	return jobs, nil
}
