// Package scheduler runs the two polling workers that claim due events and
// drive them through dispatch. One worker serves the first-priority
// (synchronous notify) app types, the other serves everything else; each
// claims through the storage backend's atomic Dequeue, so any number of
// replicas can run the same pair of loops against one database.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/phtran-dev/saola-eventq/internal/cache"
	"github.com/phtran-dev/saola-eventq/internal/config"
	"github.com/phtran-dev/saola-eventq/internal/dispatch"
	"github.com/phtran-dev/saola-eventq/internal/pkg/clock"
	"github.com/phtran-dev/saola-eventq/internal/policy"
	"github.com/phtran-dev/saola-eventq/internal/storage"
)

// throttleSlices splits each poll pause so shutdown latency stays bounded by
// one slice rather than the whole pause.
const throttleSlices = 10

// missing-app events are retired with a short revisit horizon so an operator
// reset after fixing the configuration makes them due quickly.
const retireReschedule = 60 * time.Second

// Params collects the scheduler's dependencies.
type Params struct {
	Backend   storage.Backend
	Registry  *config.Registry
	Policy    *policy.Policy
	Executor  dispatch.Executor
	Describer dispatch.ResourceDescriber
	Jobs      dispatch.JobStatusClient
	Notifier  dispatch.Notifier

	// JobCache, when set, gates the async tier: no new claims while full.
	JobCache *cache.JobCache

	Clock  clock.Clock
	Logger *zap.Logger
}

// Scheduler owns the two polling workers.
type Scheduler struct {
	backend   storage.Backend
	registry  *config.Registry
	policy    *policy.Policy
	executor  dispatch.Executor
	describer dispatch.ResourceDescriber
	jobs      dispatch.JobStatusClient
	notifier  dispatch.Notifier
	jobCache  *cache.JobCache
	clock     clock.Clock
	log       *zap.Logger

	// ownerID identifies this replica in leases; one identity per scheduler
	// keeps sticky-owner retries on the replica that saw the failure.
	ownerID string
}

// New builds a Scheduler with a fresh replica identity.
func New(p Params) *Scheduler {
	return &Scheduler{
		backend:   p.Backend,
		registry:  p.Registry,
		policy:    p.Policy,
		executor:  p.Executor,
		describer: p.Describer,
		jobs:      p.Jobs,
		notifier:  p.Notifier,
		jobCache:  p.JobCache,
		clock:     p.Clock,
		log:       p.Logger,
		ownerID:   uuid.NewString(),
	}
}

// OwnerID returns this replica's lease identity.
func (s *Scheduler) OwnerID() string {
	return s.ownerID
}

// Run starts both workers and blocks until ctx is cancelled and both have
// drained their current batch.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler starting", zap.String("owner_id", s.ownerID))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(ctx, "sync-tier", true, nil)
	})
	g.Go(func() error {
		return s.loop(ctx, "async-tier", false, s.jobCache)
	})
	err := g.Wait()
	s.log.Info("scheduler stopped", zap.String("owner_id", s.ownerID))
	return err
}

// loop polls one tier until cancelled. included selects whether the tier
// serves the first-priority types or their complement; gate pauses claiming
// while full.
func (s *Scheduler) loop(ctx context.Context, name string, included bool, gate *cache.JobCache) error {
	log := s.log.With(zap.String("tier", name))
	for {
		if ctx.Err() != nil {
			return nil
		}

		if gate != nil && gate.Full() {
			log.Debug("job cache full, skipping claim cycle", zap.Int("cached", gate.Size()))
		} else {
			s.claimAndProcess(ctx, included, log)
		}

		if !s.throttle(ctx) {
			return nil
		}
	}
}

// throttle sleeps the configured pause in short slices; returns false when
// cancelled. The sleep goes through the clock so tests run without real
// waits.
func (s *Scheduler) throttle(ctx context.Context) bool {
	for i := 0; i < throttleSlices; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-s.clock.After(s.policy.ThrottleDelay):
		}
	}
	return true
}

func (s *Scheduler) claimAndProcess(ctx context.Context, included bool, log *zap.Logger) {
	events, err := s.backend.Dequeue(ctx, storage.DequeueParams{
		AppTypes:       s.policy.FirstPriorityTypes,
		Included:       included,
		RetryThreshold: s.policy.MaxRetry,
		Limit:          s.policy.QueryLimit,
		OwnerID:        s.ownerID,
	})
	if err != nil {
		// State unknown: assume no work this cycle.
		log.Warn("claim failed, retrying next cycle", zap.Error(err))
		return
	}

	for _, event := range events {
		s.process(ctx, event, log)
	}
}

// process drives one claimed event to deletion, retry, or retirement.
func (s *Scheduler) process(ctx context.Context, event storage.Event, log *zap.Logger) {
	app, ok := s.registry.ByID(event.AppID)
	if !ok {
		s.forceRetire(ctx, event, log)
		return
	}

	log.Info("processing event",
		zap.Int64("event_id", event.ID),
		zap.String("app_id", event.AppID),
		zap.Int("retry", event.Retry))

	if config.AsyncType(app.Type) {
		if ok, reason := s.processAsync(ctx, app, event); !ok {
			s.requeue(ctx, event, reason, log)
			if err := s.backend.DeleteJobsByQueueID(ctx, event.ID); err != nil {
				log.Warn("stale job cleanup failed", zap.Int64("event_id", event.ID), zap.Error(err))
			}
			s.notifier.Notify(reason, eventDetail(event))
		}
		return
	}

	if ok, reason := s.processSync(ctx, app, event); !ok {
		s.requeue(ctx, event, reason, log)
		s.notifier.Notify(reason, eventDetail(event))
	}
}

// forceRetire pushes an event past the retry threshold: without an app
// configuration it can never succeed, so retrying forever only burns cycles.
// The row stays visible for operator inspection and reset.
func (s *Scheduler) forceRetire(ctx context.Context, event storage.Event, log *zap.Logger) {
	log.Error("no app configuration, retiring event",
		zap.Int64("event_id", event.ID),
		zap.String("app_id", event.AppID))

	err := s.backend.UpdateEvent(ctx, storage.EventUpdate{
		ID:              event.ID,
		FailedReason:    fmt.Sprintf("no app configuration for %q", event.AppID),
		Retry:           s.policy.MaxRetry + 1,
		Status:          storage.StatusPending,
		NextScheduledAt: s.clock.Now().Add(retireReschedule),
	})
	if err != nil {
		log.Warn("retire update failed", zap.Int64("event_id", event.ID), zap.Error(err))
		return
	}
	if err := s.backend.DeleteJobsByQueueID(ctx, event.ID); err != nil {
		log.Warn("retire job cleanup failed", zap.Int64("event_id", event.ID), zap.Error(err))
	}
}

// processSync resolves the resource metadata, notifies the app inline, and
// deletes the event on success.
func (s *Scheduler) processSync(ctx context.Context, app *config.App, event storage.Event) (bool, string) {
	tags, err := s.describer.Describe(ctx, event.ResourceID, event.ResourceType)
	if err != nil {
		return false, fmt.Sprintf("describe %s/%s: %v", event.ResourceType, event.ResourceID, err)
	}
	if len(tags) == 0 {
		// Metadata not available yet; retry later.
		return false, fmt.Sprintf("no metadata for %s/%s", event.ResourceType, event.ResourceID)
	}

	if err := s.executor.Send(ctx, app, tags); err != nil {
		return false, fmt.Sprintf("notify %s: %v", app.ID, err)
	}

	if event.ID > 0 {
		if err := s.backend.DeleteEventsByIDs(ctx, []int64{event.ID}); err != nil {
			// Dispatch succeeded but the delete did not; the event will be
			// re-delivered, which downstream must tolerate anyway.
			return false, fmt.Sprintf("delete after success: %v", err)
		}
	}
	return true, ""
}

// processAsync inspects any linked remote jobs first; only when none exist
// does it submit a new one. Transient events (ID<=0) skip the job linkage.
func (s *Scheduler) processAsync(ctx context.Context, app *config.App, event storage.Event) (bool, string) {
	if event.ID > 0 {
		jobs, err := s.backend.JobsByQueueID(ctx, event.ID)
		if err != nil {
			return false, fmt.Sprintf("load jobs for event %d: %v", event.ID, err)
		}
		if len(jobs) > 0 {
			return s.inspectJobs(ctx, event, jobs)
		}
	}

	jobID, err := s.executor.SubmitJob(ctx, app, event)
	if err != nil {
		return false, fmt.Sprintf("submit to %s: %v", app.ID, err)
	}

	if event.ID > 0 {
		if _, err := s.backend.SaveJob(ctx, storage.JobCreate{
			ID:      jobID,
			OwnerID: s.ownerID,
			QueueID: event.ID,
		}); err != nil {
			return false, fmt.Sprintf("link job %s to event %d: %v", jobID, event.ID, err)
		}
	}
	return true, ""
}

// inspectJobs decides the event's fate from its linked jobs' remote states:
// any Success deletes event and jobs, any Running/Pending waits, and if every
// job is dead (Failure, Paused, Retry, or unreachable) the event goes back to
// retry.
func (s *Scheduler) inspectJobs(ctx context.Context, event storage.Event, jobs []storage.Job) (bool, string) {
	var lastReason string
	for _, job := range jobs {
		status, err := s.jobs.JobStatus(ctx, job.ID)
		if err != nil {
			lastReason = fmt.Sprintf("job %s status: %v", job.ID, err)
			continue
		}

		switch status.State {
		case dispatch.JobSuccess:
			if err := s.backend.DeleteJobsByQueueID(ctx, event.ID); err != nil {
				return false, fmt.Sprintf("delete jobs after success: %v", err)
			}
			if err := s.backend.DeleteEventsByIDs(ctx, []int64{event.ID}); err != nil {
				return false, fmt.Sprintf("delete event after success: %v", err)
			}
			return true, ""
		case dispatch.JobRunning, dispatch.JobPending:
			return true, ""
		default:
			lastReason = fmt.Sprintf("job %s is %s", job.ID, status.State)
		}
	}
	return false, lastReason
}

// requeue returns a failed event to the eligible pool with one more retry and
// a fresh deferral of the event's own delay.
func (s *Scheduler) requeue(ctx context.Context, event storage.Event, reason string, log *zap.Logger) {
	if event.ID <= 0 {
		return
	}
	log.Warn("dispatch failed, requeueing",
		zap.Int64("event_id", event.ID),
		zap.Int("retry", event.Retry+1),
		zap.String("reason", reason))

	err := s.backend.UpdateEvent(ctx, storage.EventUpdate{
		ID:              event.ID,
		FailedReason:    reason,
		Retry:           event.Retry + 1,
		Status:          storage.StatusPending,
		NextScheduledAt: s.clock.Now().Add(time.Duration(event.DelaySeconds) * time.Second),
	})
	if err != nil {
		log.Warn("requeue update failed", zap.Int64("event_id", event.ID), zap.Error(err))
	}
}

// ExecuteEvent dispatches one event inline, bypassing the queue. Used by the
// execute-now-or-enqueue operation with a transient (unpersisted) event.
// Failure leaves no state behind; the caller decides whether to enqueue.
func (s *Scheduler) ExecuteEvent(ctx context.Context, event storage.Event) bool {
	app, ok := s.registry.ByID(event.AppID)
	if !ok {
		s.log.Error("cannot execute event, no app configuration", zap.String("app_id", event.AppID))
		return false
	}

	var success bool
	var reason string
	if config.AsyncType(app.Type) {
		success, reason = s.processAsync(ctx, app, event)
	} else {
		success, reason = s.processSync(ctx, app, event)
	}
	if !success {
		s.log.Warn("inline execution failed",
			zap.String("app_id", event.AppID),
			zap.String("reason", reason))
	}
	return success
}

func eventDetail(event storage.Event) map[string]interface{} {
	return map[string]interface{}{
		"eventId":      event.ID,
		"appId":        event.AppID,
		"appType":      event.AppType,
		"resourceId":   event.ResourceID,
		"resourceType": event.ResourceType,
		"retry":        event.Retry,
		"failedReason": event.FailedReason,
	}
}
