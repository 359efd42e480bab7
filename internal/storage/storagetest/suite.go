// Package storagetest runs one behavioral suite against any storage.Backend.
// The embedded and distributed backends both run it, which pins their parity:
// a test added here is a statement about the contract, not about one engine.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phtran-dev/saola-eventq/internal/pkg/clock"
	"github.com/phtran-dev/saola-eventq/internal/policy"
	"github.com/phtran-dev/saola-eventq/internal/storage"
)

// Factory builds a fresh, empty backend over the given clock and policy. The
// factory registers its own cleanup via t.Cleanup.
type Factory func(t *testing.T, clk clock.Clock, pol *policy.Policy) storage.Backend

// testPolicy keeps leases short enough to reason about in tests: 5s for Ris,
// 900s for the heavy types.
func testPolicy() *policy.Policy {
	return policy.New(
		5, 20, 100*time.Millisecond,
		[]string{"Ris", "StoreServer"},
		map[string]time.Duration{
			"Ris":      5 * time.Second,
			"Transfer": 900 * time.Second,
		},
		900*time.Second,
	)
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newEvent(appType string, delaySec int) storage.EventCreate {
	return storage.EventCreate{
		PatientID:    "P-001",
		PatientName:  "DOE^JOHN",
		IUID:         "1.2.840.10008.1." + appType,
		ResourceID:   "res-" + appType,
		ResourceType: "Study",
		AppID:        "app-" + appType,
		AppType:      appType,
		DelaySeconds: delaySec,
	}
}

func claim(t *testing.T, b storage.Backend, owner string, appTypes ...string) []storage.Event {
	t.Helper()
	events, err := b.Dequeue(context.Background(), storage.DequeueParams{
		AppTypes:       appTypes,
		Included:       true,
		RetryThreshold: 5,
		Limit:          20,
		OwnerID:        owner,
	})
	require.NoError(t, err)
	return events
}

// Run executes the full contract suite against backends built by factory.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	setup := func(t *testing.T) (storage.Backend, *clock.MockClock) {
		clk := clock.NewMockClock(baseTime)
		return factory(t, clk, testPolicy()), clk
	}

	t.Run("add assigns id and pending state", func(t *testing.T) {
		b, _ := setup(t)

		id, err := b.AddEvent(ctx, newEvent("Ris", 0))
		require.NoError(t, err)
		require.NotZero(t, id)

		event, err := b.EventByID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, storage.StatusPending, event.Status)
		require.Empty(t, event.OwnerID)
		require.Zero(t, event.Retry)
		require.True(t, event.ExpiresAt.IsZero())
		require.Equal(t, baseTime, event.NextScheduledAt)
		require.Equal(t, baseTime, event.CreatedAt)
	})

	t.Run("delay defers the first claim", func(t *testing.T) {
		b, clk := setup(t)

		id, err := b.AddEvent(ctx, newEvent("Ris", 30))
		require.NoError(t, err)

		require.Empty(t, claim(t, b, "w1", "Ris"))

		clk.Advance(30 * time.Second)
		claimed := claim(t, b, "w1", "Ris")
		require.Len(t, claimed, 1)
		require.Equal(t, id, claimed[0].ID)
	})

	t.Run("missing event lookups", func(t *testing.T) {
		b, _ := setup(t)

		_, err := b.EventByID(ctx, 424242)
		require.ErrorIs(t, err, storage.ErrNotFound)

		// Updating a missing id is a no-op, not an error.
		require.NoError(t, b.UpdateEvent(ctx, storage.EventUpdate{
			ID: 424242, Status: storage.StatusPending, NextScheduledAt: baseTime,
		}))
	})

	t.Run("claim moves rows to processing and charges a retry credit", func(t *testing.T) {
		b, _ := setup(t)

		id, err := b.AddEvent(ctx, newEvent("Ris", 0))
		require.NoError(t, err)

		claimed := claim(t, b, "w1", "Ris")
		require.Len(t, claimed, 1)
		// The caller sees the pre-claim retry count.
		require.Zero(t, claimed[0].Retry)
		require.Equal(t, storage.StatusProcessing, claimed[0].Status)
		require.Equal(t, "w1", claimed[0].OwnerID)
		require.Equal(t, baseTime.Add(5*time.Second), claimed[0].ExpiresAt)

		stored, err := b.EventByID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, 1, stored.Retry)
		require.Equal(t, storage.StatusProcessing, stored.Status)
	})

	t.Run("claimed rows are invisible until the lease expires", func(t *testing.T) {
		b, clk := setup(t)

		id, err := b.AddEvent(ctx, newEvent("Ris", 0))
		require.NoError(t, err)

		require.Len(t, claim(t, b, "w1", "Ris"), 1)
		require.Empty(t, claim(t, b, "w2", "Ris"))

		// At the deadline itself the lease still holds (strict <).
		clk.Advance(5 * time.Second)
		require.Empty(t, claim(t, b, "w2", "Ris"))

		clk.Advance(time.Second)
		reclaimed := claim(t, b, "w2", "Ris")
		require.Len(t, reclaimed, 1)
		require.Equal(t, id, reclaimed[0].ID)
		require.Equal(t, 1, reclaimed[0].Retry)
		require.Equal(t, "w2", reclaimed[0].OwnerID)
	})

	t.Run("released rows stay sticky to their last owner", func(t *testing.T) {
		b, _ := setup(t)

		id, err := b.AddEvent(ctx, newEvent("Ris", 0))
		require.NoError(t, err)

		claimed := claim(t, b, "w1", "Ris")
		require.Len(t, claimed, 1)

		// Failed dispatch: back to PENDING, immediately due.
		require.NoError(t, b.UpdateEvent(ctx, storage.EventUpdate{
			ID:              id,
			FailedReason:    "connection refused",
			Retry:           claimed[0].Retry + 1,
			Status:          storage.StatusPending,
			NextScheduledAt: baseTime,
		}))

		require.Empty(t, claim(t, b, "w2", "Ris"))
		again := claim(t, b, "w1", "Ris")
		require.Len(t, again, 1)
		require.Equal(t, 1, again[0].Retry)
		require.Equal(t, "connection refused", again[0].FailedReason)
	})

	t.Run("claim respects the retry threshold and orders by retry then age", func(t *testing.T) {
		b, clk := setup(t)

		oldID, err := b.AddEvent(ctx, newEvent("Ris", 0))
		require.NoError(t, err)
		clk.Advance(time.Second)
		youngID, err := b.AddEvent(ctx, newEvent("Ris", 0))
		require.NoError(t, err)
		exhaustedID, err := b.AddEvent(ctx, newEvent("Ris", 0))
		require.NoError(t, err)

		// Push one row past the threshold and another to a higher count.
		require.NoError(t, b.UpdateEvent(ctx, storage.EventUpdate{
			ID: exhaustedID, Retry: 6, Status: storage.StatusPending, NextScheduledAt: baseTime,
		}))
		require.NoError(t, b.UpdateEvent(ctx, storage.EventUpdate{
			ID: youngID, Retry: 2, Status: storage.StatusPending, NextScheduledAt: baseTime,
		}))

		claimed := claim(t, b, "w1", "Ris")
		require.Len(t, claimed, 2)
		require.Equal(t, oldID, claimed[0].ID)
		require.Equal(t, youngID, claimed[1].ID)
	})

	t.Run("claim order holds when it disagrees with insert order", func(t *testing.T) {
		b, clk := setup(t)

		// The older row has burned retries; the younger fresh row must still
		// come back first, whatever order the engine emits the batch in.
		retriedID, err := b.AddEvent(ctx, newEvent("Ris", 0))
		require.NoError(t, err)
		require.NoError(t, b.UpdateEvent(ctx, storage.EventUpdate{
			ID: retriedID, Retry: 2, Status: storage.StatusPending, NextScheduledAt: baseTime,
		}))

		clk.Advance(time.Second)
		freshID, err := b.AddEvent(ctx, newEvent("Ris", 0))
		require.NoError(t, err)

		claimed := claim(t, b, "w1", "Ris")
		require.Len(t, claimed, 2)
		require.Equal(t, freshID, claimed[0].ID)
		require.Equal(t, retriedID, claimed[1].ID)
	})

	t.Run("claim partitions by app type", func(t *testing.T) {
		b, _ := setup(t)

		risID, err := b.AddEvent(ctx, newEvent("Ris", 0))
		require.NoError(t, err)
		transferID, err := b.AddEvent(ctx, newEvent("Transfer", 0))
		require.NoError(t, err)

		included := claim(t, b, "w1", "Ris")
		require.Len(t, included, 1)
		require.Equal(t, risID, included[0].ID)

		excluded, err := b.Dequeue(ctx, storage.DequeueParams{
			AppTypes:       []string{"Ris", "StoreServer"},
			Included:       false,
			RetryThreshold: 5,
			Limit:          20,
			OwnerID:        "w2",
		})
		require.NoError(t, err)
		require.Len(t, excluded, 1)
		require.Equal(t, transferID, excluded[0].ID)
		require.Equal(t, baseTime.Add(900*time.Second), excluded[0].ExpiresAt)

		none, err := b.Dequeue(ctx, storage.DequeueParams{
			Included: true, RetryThreshold: 5, Limit: 20, OwnerID: "w3",
		})
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("claim honors the batch limit", func(t *testing.T) {
		b, clk := setup(t)

		for i := 0; i < 5; i++ {
			_, err := b.AddEvent(ctx, newEvent("Ris", 0))
			require.NoError(t, err)
			clk.Advance(time.Second)
		}

		claimed, err := b.Dequeue(ctx, storage.DequeueParams{
			AppTypes: []string{"Ris"}, Included: true, RetryThreshold: 5, Limit: 3, OwnerID: "w1",
		})
		require.NoError(t, err)
		require.Len(t, claimed, 3)
	})

	t.Run("reset returns rows to the pool", func(t *testing.T) {
		b, _ := setup(t)

		id, err := b.AddEvent(ctx, newEvent("Ris", 0))
		require.NoError(t, err)
		require.Len(t, claim(t, b, "w1", "Ris"), 1)

		require.NoError(t, b.ResetEvents(ctx, []int64{id}))

		event, err := b.EventByID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, storage.StatusPending, event.Status)
		require.Empty(t, event.OwnerID)
		require.Zero(t, event.Retry)
		require.Equal(t, "Reset", event.FailedReason)
		require.True(t, event.ExpiresAt.IsZero())

		// After reset any worker may claim: the sticky owner is gone.
		require.Len(t, claim(t, b, "w2", "Ris"), 1)
	})

	t.Run("reset with no ids resets everything", func(t *testing.T) {
		b, _ := setup(t)

		a, err := b.AddEvent(ctx, newEvent("Ris", 0))
		require.NoError(t, err)
		c, err := b.AddEvent(ctx, newEvent("Transfer", 0))
		require.NoError(t, err)
		require.NoError(t, b.UpdateEvent(ctx, storage.EventUpdate{
			ID: c, Retry: 4, FailedReason: "timeout", Status: storage.StatusPending, NextScheduledAt: baseTime,
		}))

		require.NoError(t, b.ResetEvents(ctx, nil))

		for _, id := range []int64{a, c} {
			event, err := b.EventByID(ctx, id)
			require.NoError(t, err)
			require.Zero(t, event.Retry)
			require.Equal(t, "Reset", event.FailedReason)
		}
	})

	t.Run("delete removes events and their jobs", func(t *testing.T) {
		b, _ := setup(t)

		id, err := b.AddEvent(ctx, newEvent("Transfer", 0))
		require.NoError(t, err)
		keepID, err := b.AddEvent(ctx, newEvent("Transfer", 0))
		require.NoError(t, err)

		_, err = b.SaveJob(ctx, storage.JobCreate{ID: "job-1", OwnerID: "w1", QueueID: id})
		require.NoError(t, err)
		_, err = b.SaveJob(ctx, storage.JobCreate{ID: "job-2", OwnerID: "w1", QueueID: keepID})
		require.NoError(t, err)

		require.NoError(t, b.DeleteEventsByIDs(ctx, []int64{id}))

		_, err = b.EventByID(ctx, id)
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = b.JobByID(ctx, "job-1")
		require.ErrorIs(t, err, storage.ErrNotFound)

		// Unrelated rows survive.
		_, err = b.EventByID(ctx, keepID)
		require.NoError(t, err)
		_, err = b.JobByID(ctx, "job-2")
		require.NoError(t, err)
	})

	t.Run("delete with no ids empties both tables", func(t *testing.T) {
		b, _ := setup(t)

		id, err := b.AddEvent(ctx, newEvent("Transfer", 0))
		require.NoError(t, err)
		_, err = b.SaveJob(ctx, storage.JobCreate{ID: "job-1", QueueID: id})
		require.NoError(t, err)

		require.NoError(t, b.DeleteEventsByIDs(ctx, nil))

		events, err := b.ListEvents(ctx, storage.Pagination{Limit: 10})
		require.NoError(t, err)
		require.Empty(t, events)
		_, err = b.JobByID(ctx, "job-1")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("job upsert preserves creation time", func(t *testing.T) {
		b, clk := setup(t)

		id, err := b.AddEvent(ctx, newEvent("Transfer", 0))
		require.NoError(t, err)

		first, err := b.SaveJob(ctx, storage.JobCreate{ID: "job-1", OwnerID: "w1", QueueID: id})
		require.NoError(t, err)
		require.Equal(t, baseTime, first.CreatedAt)

		clk.Advance(10 * time.Second)
		second, err := b.SaveJob(ctx, storage.JobCreate{ID: "job-1", OwnerID: "w2", QueueID: id})
		require.NoError(t, err)
		require.Equal(t, baseTime, second.CreatedAt)
		require.Equal(t, baseTime.Add(10*time.Second), second.LastUpdatedAt)
		require.Equal(t, "w2", second.OwnerID)

		stored, err := b.JobByID(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, "w2", stored.OwnerID)
		require.Equal(t, baseTime, stored.CreatedAt)
	})

	t.Run("job queries by queue id", func(t *testing.T) {
		b, _ := setup(t)

		a, err := b.AddEvent(ctx, newEvent("Transfer", 0))
		require.NoError(t, err)
		c, err := b.AddEvent(ctx, newEvent("Exporter", 0))
		require.NoError(t, err)

		for _, jc := range []storage.JobCreate{
			{ID: "job-a1", QueueID: a},
			{ID: "job-a2", QueueID: a},
			{ID: "job-c1", QueueID: c},
		} {
			_, err := b.SaveJob(ctx, jc)
			require.NoError(t, err)
		}

		jobs, err := b.JobsByQueueID(ctx, a)
		require.NoError(t, err)
		require.Len(t, jobs, 2)

		all, err := b.JobsByQueueIDs(ctx, []int64{a, c})
		require.NoError(t, err)
		require.Len(t, all, 3)

		none, err := b.JobsByQueueIDs(ctx, nil)
		require.NoError(t, err)
		require.Empty(t, none)

		require.NoError(t, b.DeleteJobsByIDs(ctx, []string{"job-a1"}))
		require.NoError(t, b.DeleteJobsByIDs(ctx, nil))
		jobs, err = b.JobsByQueueID(ctx, a)
		require.NoError(t, err)
		require.Len(t, jobs, 1)

		require.NoError(t, b.DeleteJobsByQueueID(ctx, a))
		jobs, err = b.JobsByQueueID(ctx, a)
		require.NoError(t, err)
		require.Empty(t, jobs)
	})

	t.Run("listing pages and sorts", func(t *testing.T) {
		b, clk := setup(t)

		var ids []int64
		for _, appType := range []string{"Ris", "Transfer", "Exporter"} {
			id, err := b.AddEvent(ctx, newEvent(appType, 0))
			require.NoError(t, err)
			ids = append(ids, id)
			clk.Advance(time.Second)
		}

		byCreation, err := b.ListEvents(ctx, storage.Pagination{Limit: 10, SortBy: "creation_time"})
		require.NoError(t, err)
		require.Len(t, byCreation, 3)
		require.Equal(t, ids[0], byCreation[0].ID)
		require.Equal(t, ids[2], byCreation[2].ID)

		page, err := b.ListEvents(ctx, storage.Pagination{Limit: 2, Offset: 2, SortBy: "creation_time"})
		require.NoError(t, err)
		require.Len(t, page, 1)
		require.Equal(t, ids[2], page[0].ID)

		// Unknown sort keys fall back to the primary key instead of erroring.
		fallback, err := b.ListEvents(ctx, storage.Pagination{Limit: 10, SortBy: "; DROP TABLE"})
		require.NoError(t, err)
		require.Len(t, fallback, 3)
	})

	t.Run("filtered reads", func(t *testing.T) {
		b, _ := setup(t)

		risID, err := b.AddEvent(ctx, newEvent("Ris", 0))
		require.NoError(t, err)
		transferID, err := b.AddEvent(ctx, newEvent("Transfer", 0))
		require.NoError(t, err)
		require.NoError(t, b.UpdateEvent(ctx, storage.EventUpdate{
			ID: transferID, Retry: 3, Status: storage.StatusPending, NextScheduledAt: baseTime,
		}))

		below, err := b.EventsByRetryBelow(ctx, 2)
		require.NoError(t, err)
		require.Len(t, below, 1)
		require.Equal(t, risID, below[0].ID)

		byType, err := b.EventsByAppType(ctx, []string{"Transfer"}, true, 5, 10)
		require.NoError(t, err)
		require.Len(t, byType, 1)
		require.Equal(t, transferID, byType[0].ID)

		notType, err := b.EventsByAppType(ctx, []string{"Transfer"}, false, 5, 10)
		require.NoError(t, err)
		require.Len(t, notType, 1)
		require.Equal(t, risID, notType[0].ID)

		byIDs, err := b.EventsByIDs(ctx, []int64{risID, transferID, 999999})
		require.NoError(t, err)
		require.Len(t, byIDs, 2)

		empty, err := b.EventsByIDs(ctx, nil)
		require.NoError(t, err)
		require.Empty(t, empty)
	})
}
