//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/phtran-dev/saola-eventq/internal/pkg/clock"
	"github.com/phtran-dev/saola-eventq/internal/policy"
	"github.com/phtran-dev/saola-eventq/internal/storage"
	"github.com/phtran-dev/saola-eventq/internal/storage/spannerdb"
	"github.com/phtran-dev/saola-eventq/internal/storage/storagetest"
	"github.com/phtran-dev/saola-eventq/tests/testutil"
)

// TestSpannerBackendContract runs the shared behavioral suite against the
// emulator, pinning parity with the embedded backend.
func TestSpannerBackendContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clk clock.Clock, pol *policy.Policy) storage.Backend {
		client, cleanup := testutil.SetupSpannerTest(t)
		t.Cleanup(cleanup)
		return spannerdb.New(client, clk, pol, zap.NewNop())
	})
}

// TestSpannerConcurrentClaims races three replicas claiming the same
// partition; no event may be handed to more than one of them.
func TestSpannerConcurrentClaims(t *testing.T) {
	client, cleanup := testutil.SetupSpannerTest(t)
	defer cleanup()

	ctx := context.Background()
	backend := spannerdb.New(client, clock.NewRealClock(), policy.Default(), zap.NewNop())

	const total = 30
	for i := 0; i < total; i++ {
		_, err := backend.AddEvent(ctx, storage.EventCreate{
			ResourceID:   "res",
			ResourceType: "Study",
			AppID:        "app-transfer",
			AppType:      "Transfer",
		})
		require.NoError(t, err)
	}

	owners := []string{"replica-a", "replica-b", "replica-c"}
	claims := make([][]storage.Event, len(owners))
	errs := make([]error, len(owners))

	var wg sync.WaitGroup
	for i, owner := range owners {
		wg.Add(1)
		go func(i int, owner string) {
			defer wg.Done()
			claims[i], errs[i] = backend.Dequeue(ctx, storage.DequeueParams{
				AppTypes:       []string{"Transfer"},
				Included:       true,
				RetryThreshold: 5,
				Limit:          10,
				OwnerID:        owner,
			})
		}(i, owner)
	}
	wg.Wait()

	seen := make(map[int64]string)
	for i, owner := range owners {
		require.NoError(t, errs[i])
		for _, event := range claims[i] {
			previous, dup := seen[event.ID]
			require.Falsef(t, dup, "event %d claimed by both %s and %s", event.ID, previous, owner)
			seen[event.ID] = owner
		}
	}
	require.Len(t, seen, total)
}
