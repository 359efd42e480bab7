// Package queue exposes the operations the REST layer and the job-execution
// subsystem invoke against the event queue: submission, inline execution with
// queue fallback, bulk maintenance, listing, and the job-completion
// callbacks.
package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/phtran-dev/saola-eventq/internal/cache"
	"github.com/phtran-dev/saola-eventq/internal/config"
	"github.com/phtran-dev/saola-eventq/internal/dispatch"
	"github.com/phtran-dev/saola-eventq/internal/pkg/clock"
	"github.com/phtran-dev/saola-eventq/internal/storage"
)

// EventExecutor performs one inline dispatch attempt. The scheduler provides
// the production implementation.
type EventExecutor interface {
	ExecuteEvent(ctx context.Context, event storage.Event) bool
}

// Params collects the service dependencies.
type Params struct {
	Backend  storage.Backend
	Registry *config.Registry
	Jobs     dispatch.JobStatusClient
	Notifier dispatch.Notifier

	// JobCache may be nil when the admission hint is disabled.
	JobCache *cache.JobCache

	Clock  clock.Clock
	Logger *zap.Logger
}

// Service implements the exposed queue operations.
type Service struct {
	backend  storage.Backend
	registry *config.Registry
	jobs     dispatch.JobStatusClient
	notifier dispatch.Notifier
	jobCache *cache.JobCache
	clock    clock.Clock
	log      *zap.Logger

	executor EventExecutor
}

// New builds the service. The executor is attached separately because the
// scheduler is constructed after the service at startup.
func New(p Params) *Service {
	return &Service{
		backend:  p.Backend,
		registry: p.Registry,
		jobs:     p.Jobs,
		notifier: p.Notifier,
		jobCache: p.JobCache,
		clock:    p.Clock,
		log:      p.Logger,
	}
}

// SetExecutor attaches the inline-execution collaborator.
func (s *Service) SetExecutor(executor EventExecutor) {
	s.executor = executor
}

// SubmitRequest carries the caller-supplied fields of a new event.
type SubmitRequest struct {
	IUID         string
	ResourceID   string
	ResourceType string
	AppID        string

	PatientBirthDate string
	PatientID        string
	PatientName      string
	PatientSex       string
	AccessionNumber  string

	// Delay overrides the app's default deferral when set.
	Delay *int
}

func (s *Service) eventCreate(req SubmitRequest, app *config.App) storage.EventCreate {
	delay := app.DelaySeconds
	if req.Delay != nil {
		delay = *req.Delay
	}
	return storage.EventCreate{
		PatientBirthDate: req.PatientBirthDate,
		PatientID:        req.PatientID,
		PatientName:      req.PatientName,
		PatientSex:       req.PatientSex,
		AccessionNumber:  req.AccessionNumber,
		IUID:             req.IUID,
		ResourceID:       req.ResourceID,
		ResourceType:     req.ResourceType,
		AppID:            app.ID,
		AppType:          app.Type,
		DelaySeconds:     delay,
	}
}

// Submit enqueues a new event for the given app.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (int64, error) {
	app, ok := s.registry.ByID(req.AppID)
	if !ok {
		return 0, fmt.Errorf("unknown app %q", req.AppID)
	}

	id, err := s.backend.AddEvent(ctx, s.eventCreate(req, app))
	if err != nil {
		return 0, err
	}
	s.log.Info("event submitted",
		zap.Int64("event_id", id),
		zap.String("app_id", app.ID),
		zap.String("resource_id", req.ResourceID))
	return id, nil
}

// ExecuteOrEnqueue tries one inline dispatch; on failure it falls back to
// enqueueing with the app's default delay. Returns the queued event id (0
// when executed inline) and whether inline execution succeeded.
func (s *Service) ExecuteOrEnqueue(ctx context.Context, req SubmitRequest) (int64, bool, error) {
	app, ok := s.registry.ByID(req.AppID)
	if !ok {
		return 0, false, fmt.Errorf("unknown app %q", req.AppID)
	}

	if s.executor != nil {
		create := s.eventCreate(req, app)
		transient := storage.Event{
			PatientBirthDate: create.PatientBirthDate,
			PatientID:        create.PatientID,
			PatientName:      create.PatientName,
			PatientSex:       create.PatientSex,
			AccessionNumber:  create.AccessionNumber,
			IUID:             create.IUID,
			ResourceID:       create.ResourceID,
			ResourceType:     create.ResourceType,
			AppID:            create.AppID,
			AppType:          create.AppType,
			DelaySeconds:     create.DelaySeconds,
		}
		if s.executor.ExecuteEvent(ctx, transient) {
			return 0, true, nil
		}
		s.log.Info("inline execution failed, enqueueing",
			zap.String("app_id", req.AppID),
			zap.String("resource_id", req.ResourceID))
	}

	id, err := s.Submit(ctx, req)
	return id, false, err
}

// Delete removes events and their jobs. An empty id list is a destructive
// wildcard that empties the queue.
func (s *Service) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		s.log.Warn("wildcard delete: removing every event and job")
	}
	return s.backend.DeleteEventsByIDs(ctx, ids)
}

// Reset returns events (all, when ids is empty) to the eligible pool with
// retry 0.
func (s *Service) Reset(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		s.log.Warn("wildcard reset: resetting every event")
	}
	return s.backend.ResetEvents(ctx, ids)
}

// List returns a page of events.
func (s *Service) List(ctx context.Context, page storage.Pagination) ([]storage.Event, error) {
	return s.backend.ListEvents(ctx, page)
}

// Get returns one event or storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (*storage.Event, error) {
	return s.backend.EventByID(ctx, id)
}

// CachedJobs returns the in-memory job snapshots for operator inspection.
func (s *Service) CachedJobs() []cache.Job {
	if s.jobCache == nil {
		return nil
	}
	return s.jobCache.Jobs()
}

// OnJobSubmitted records a freshly submitted remote job in the admission
// cache when its type is tracked.
func (s *Service) OnJobSubmitted(ctx context.Context, jobID string) {
	if s.jobCache == nil {
		return
	}
	status, err := s.jobs.JobStatus(ctx, jobID)
	if err != nil {
		s.log.Warn("cannot inspect submitted job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !s.jobCache.Accepts(status.Type) {
		return
	}
	s.log.Info("caching submitted job", zap.String("job_id", jobID), zap.String("type", status.Type))
	s.jobCache.Insert(cache.Job{ID: jobID, Type: status.Type, Payload: status.Details})
}

// OnJobSuccess deletes the job's event and all its jobs. A missing job id is
// logged and ignored.
func (s *Service) OnJobSuccess(ctx context.Context, jobID string) error {
	if s.jobCache != nil {
		s.jobCache.Delete(jobID)
	}

	job, err := s.backend.JobByID(ctx, jobID)
	if storage.IsNotFound(err) {
		s.log.Info("success callback for unknown job", zap.String("job_id", jobID))
		return nil
	}
	if err != nil {
		return err
	}

	s.log.Info("job succeeded, deleting event",
		zap.String("job_id", jobID),
		zap.Int64("event_id", job.QueueID))

	if err := s.backend.DeleteJobsByQueueID(ctx, job.QueueID); err != nil {
		return err
	}
	return s.backend.DeleteEventsByIDs(ctx, []int64{job.QueueID})
}

// OnJobFailure drops the job link and returns the event to retry. A missing
// job or event id is logged and ignored.
func (s *Service) OnJobFailure(ctx context.Context, jobID string) error {
	if s.jobCache != nil {
		s.jobCache.Delete(jobID)
	}

	job, err := s.backend.JobByID(ctx, jobID)
	if storage.IsNotFound(err) {
		s.log.Info("failure callback for unknown job", zap.String("job_id", jobID))
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.backend.DeleteJobsByQueueID(ctx, job.QueueID); err != nil {
		return err
	}

	event, err := s.backend.EventByID(ctx, job.QueueID)
	if storage.IsNotFound(err) {
		s.log.Info("failure callback for job without event",
			zap.String("job_id", jobID),
			zap.Int64("event_id", job.QueueID))
		return nil
	}
	if err != nil {
		return err
	}

	reason := fmt.Sprintf("failure callback for job %s", jobID)
	if err := s.backend.UpdateEvent(ctx, storage.EventUpdate{
		ID:              event.ID,
		FailedReason:    reason,
		Retry:           event.Retry + 1,
		Status:          storage.StatusPending,
		NextScheduledAt: s.clock.Now().Add(time.Duration(event.DelaySeconds) * time.Second),
	}); err != nil {
		return err
	}

	s.notifier.Notify(reason, map[string]interface{}{
		"jobId":   jobID,
		"eventId": event.ID,
		"retry":   event.Retry + 1,
	})
	return nil
}
