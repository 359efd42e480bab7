package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/phtran-dev/saola-eventq/internal/cache"
	"github.com/phtran-dev/saola-eventq/internal/config"
	"github.com/phtran-dev/saola-eventq/internal/dispatch"
	"github.com/phtran-dev/saola-eventq/internal/pkg/clock"
	"github.com/phtran-dev/saola-eventq/internal/policy"
	"github.com/phtran-dev/saola-eventq/internal/storage"
	"github.com/phtran-dev/saola-eventq/internal/storage/sqlite"
)

type fakeDescriber struct {
	tags map[string]interface{}
	err  error
}

func (f *fakeDescriber) Describe(context.Context, string, string) (map[string]interface{}, error) {
	return f.tags, f.err
}

type fakeExecutor struct {
	mu        sync.Mutex
	sendErr   error
	submitErr error
	jobID     string
	sends     int
	submits   int
}

func (f *fakeExecutor) Send(context.Context, *config.App, map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	return f.sendErr
}

func (f *fakeExecutor) SubmitJob(context.Context, *config.App, storage.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return f.jobID, f.submitErr
}

type fakeJobs struct {
	states map[string]dispatch.JobState
}

func (f *fakeJobs) JobStatus(_ context.Context, jobID string) (*dispatch.JobStatus, error) {
	state, ok := f.states[jobID]
	if !ok {
		return nil, errors.New("job engine unreachable")
	}
	return &dispatch.JobStatus{ID: jobID, Type: "DicomModalityStore", State: state}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(message string, _ map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

type fixture struct {
	scheduler *Scheduler
	backend   storage.Backend
	clock     *clock.MockClock
	describer *fakeDescriber
	executor  *fakeExecutor
	jobs      *fakeJobs
	notifier  *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pol := policy.New(5, 20, time.Millisecond,
		[]string{"Ris", "StoreServer"},
		map[string]time.Duration{"Ris": 5 * time.Second, "Transfer": 900 * time.Second},
		900*time.Second)

	clk := clock.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	backend, err := sqlite.OpenInMemory(clk, pol, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	registry, err := config.ParseRegistry([]byte(`[
	  {"Id": "ris-main", "Enable": true, "Type": "Ris", "Url": "http://ris", "Delay": 10},
	  {"Id": "peer-main", "Enable": true, "Type": "Transfer", "Url": "http://peer", "Delay": 30}
	]`), zap.NewNop())
	require.NoError(t, err)

	f := &fixture{
		backend:   backend,
		clock:     clk,
		describer: &fakeDescriber{tags: map[string]interface{}{"PatientID": "P42"}},
		executor:  &fakeExecutor{jobID: "remote-1"},
		jobs:      &fakeJobs{states: map[string]dispatch.JobState{}},
		notifier:  &fakeNotifier{},
	}
	f.scheduler = New(Params{
		Backend:   backend,
		Registry:  registry,
		Policy:    pol,
		Executor:  f.executor,
		Describer: f.describer,
		Jobs:      f.jobs,
		Notifier:  f.notifier,
		Clock:     clk,
		Logger:    zap.NewNop(),
	})
	return f
}

func (f *fixture) addEvent(t *testing.T, appID, appType string, delay int) int64 {
	t.Helper()
	id, err := f.backend.AddEvent(context.Background(), storage.EventCreate{
		ResourceID:   "study-1",
		ResourceType: "Study",
		AppID:        appID,
		AppType:      appType,
		DelaySeconds: delay,
	})
	require.NoError(t, err)
	if delay > 0 {
		f.clock.Advance(time.Duration(delay) * time.Second)
	}
	return id
}

func TestSyncSuccessDeletesEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addEvent(t, "ris-main", "Ris", 0)

	f.scheduler.claimAndProcess(ctx, true, zap.NewNop())

	_, err := f.backend.EventByID(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, f.executor.sends)
}

func TestSyncFailureRequeuesAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.executor.sendErr = errors.New("connection refused")
	ctx := context.Background()
	id := f.addEvent(t, "ris-main", "Ris", 0)

	f.scheduler.claimAndProcess(ctx, true, zap.NewNop())

	event, err := f.backend.EventByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, event.Status)
	assert.Equal(t, 1, event.Retry)
	assert.Contains(t, event.FailedReason, "connection refused")
	assert.Len(t, f.notifier.messages, 1)
}

func TestSyncMissingMetadataRetriesLater(t *testing.T) {
	f := newFixture(t)
	f.describer.tags = nil
	ctx := context.Background()
	id := f.addEvent(t, "ris-main", "Ris", 0)

	f.scheduler.claimAndProcess(ctx, true, zap.NewNop())

	event, err := f.backend.EventByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, event.Retry)
	assert.Contains(t, event.FailedReason, "no metadata")
	assert.Zero(t, f.executor.sends)
}

func TestMissingAppConfigForceRetires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addEvent(t, "ghost", "Ris", 0)

	f.scheduler.claimAndProcess(ctx, true, zap.NewNop())

	event, err := f.backend.EventByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 6, event.Retry) // maxRetry+1: permanently ineligible
	assert.Contains(t, event.FailedReason, "no app configuration")

	// Retired events are never claimed again.
	f.clock.Advance(time.Hour)
	f.scheduler.claimAndProcess(ctx, true, zap.NewNop())
	after, err := f.backend.EventByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 6, after.Retry)
}

func TestAsyncSubmitLinksJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addEvent(t, "peer-main", "Transfer", 0)

	f.scheduler.claimAndProcess(ctx, false, zap.NewNop())

	jobs, err := f.backend.JobsByQueueID(ctx, id)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "remote-1", jobs[0].ID)
	assert.Equal(t, f.scheduler.OwnerID(), jobs[0].OwnerID)

	// The event waits for the job outcome; it is not deleted on submit.
	event, err := f.backend.EventByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusProcessing, event.Status)
}

func TestAsyncJobSuccessDeletesEventAndJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addEvent(t, "peer-main", "Transfer", 0)

	f.scheduler.claimAndProcess(ctx, false, zap.NewNop())
	f.jobs.states["remote-1"] = dispatch.JobSuccess

	// Next pass inspects the linked job after the lease expires.
	f.clock.Advance(901 * time.Second)
	f.scheduler.claimAndProcess(ctx, false, zap.NewNop())

	_, err := f.backend.EventByID(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.backend.JobByID(ctx, "remote-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, f.executor.submits)
}

func TestAsyncJobFailureRequeuesAndDropsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addEvent(t, "peer-main", "Transfer", 0)

	f.scheduler.claimAndProcess(ctx, false, zap.NewNop())
	f.jobs.states["remote-1"] = dispatch.JobFailure

	f.clock.Advance(901 * time.Second)
	f.scheduler.claimAndProcess(ctx, false, zap.NewNop())

	event, err := f.backend.EventByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, event.Status)
	assert.Equal(t, 2, event.Retry)
	assert.Contains(t, event.FailedReason, "Failure")

	jobs, err := f.backend.JobsByQueueID(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Len(t, f.notifier.messages, 1)
}

func TestAsyncRunningJobWaits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addEvent(t, "peer-main", "Transfer", 0)

	f.scheduler.claimAndProcess(ctx, false, zap.NewNop())
	f.jobs.states["remote-1"] = dispatch.JobRunning

	f.clock.Advance(901 * time.Second)
	f.scheduler.claimAndProcess(ctx, false, zap.NewNop())

	// Still present, no second submit.
	_, err := f.backend.EventByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, f.executor.submits)
}

func TestAsyncTierGatedByFullCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addEvent(t, "peer-main", "Transfer", 0)

	gate := cache.New(1, []string{"DicomModalityStore"})
	gate.Insert(cache.Job{ID: "occupying"})
	f.scheduler.jobCache = gate

	// Run one gated cycle by hand: a full cache means no claim at all.
	if !gate.Full() {
		t.Fatal("gate should be full")
	}
	event, err := f.backend.EventByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, event.Status)
	assert.Zero(t, event.Retry)
}

func TestExecuteEventTransient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	transient := storage.Event{
		ResourceID:   "study-1",
		ResourceType: "Study",
		AppID:        "ris-main",
		AppType:      "Ris",
	}
	assert.True(t, f.scheduler.ExecuteEvent(ctx, transient))

	// Nothing was persisted for the inline path.
	events, err := f.backend.ListEvents(ctx, storage.Pagination{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, events)

	f.executor.sendErr = errors.New("boom")
	assert.False(t, f.scheduler.ExecuteEvent(ctx, transient))

	assert.False(t, f.scheduler.ExecuteEvent(ctx, storage.Event{AppID: "ghost"}))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)

	// The mock clock satisfies throttle sleeps instantly, so the loops spin
	// freely and only the cancellation stops them.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.scheduler.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
