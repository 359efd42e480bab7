// Package policy holds the configuration-derived scheduling policy: how long
// a claimed event is leased per app type, how many retries an event gets, and
// how the two scheduler tiers partition app types.
package policy

import (
	"sort"
	"time"
)

// TypeLease pairs an app type with its lease duration.
type TypeLease struct {
	AppType string
	Lease   time.Duration
}

// Policy is a read-only input to Dequeue and the scheduler loops.
type Policy struct {
	// MaxRetry is the retry threshold; rows with retry above it are inert.
	MaxRetry int

	// QueryLimit caps the batch size of one Dequeue call.
	QueryLimit int

	// ThrottleDelay is the sleep slice between poll cycles.
	ThrottleDelay time.Duration

	// FirstPriorityTypes are the app types served by the synchronous tier.
	FirstPriorityTypes []string

	byType   map[string]time.Duration
	ordered  []TypeLease
	fallback time.Duration
}

// New builds a Policy. The lease mapping is copied and ordered by app type so
// that generated SQL is deterministic.
func New(maxRetry, queryLimit int, throttle time.Duration, firstPriority []string, leases map[string]time.Duration, fallback time.Duration) *Policy {
	byType := make(map[string]time.Duration, len(leases))
	ordered := make([]TypeLease, 0, len(leases))
	for appType, lease := range leases {
		byType[appType] = lease
		ordered = append(ordered, TypeLease{AppType: appType, Lease: lease})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].AppType < ordered[j].AppType })

	return &Policy{
		MaxRetry:           maxRetry,
		QueryLimit:         queryLimit,
		ThrottleDelay:      throttle,
		FirstPriorityTypes: append([]string(nil), firstPriority...),
		byType:             byType,
		ordered:            ordered,
		fallback:           fallback,
	}
}

// Default returns the policy matching the shipped configuration: short leases
// for the interactive notify types, 15 minutes for the heavy async types.
func Default() *Policy {
	return New(
		5,
		20,
		100*time.Millisecond,
		[]string{"Ris", "StoreServer"},
		map[string]time.Duration{
			"Ris":         5 * time.Second,
			"StoreServer": 5 * time.Second,
			"Transfer":    900 * time.Second,
			"Exporter":    900 * time.Second,
			"StoreSCU":    900 * time.Second,
		},
		900*time.Second,
	)
}

// LockDuration returns the lease for an app type, falling back to the
// default lease for unmapped types. O(1).
func (p *Policy) LockDuration(appType string) time.Duration {
	if lease, ok := p.byType[appType]; ok {
		return lease
	}
	return p.fallback
}

// TypeLeases returns the mapped leases in deterministic (sorted) order, for
// backends that encode the mapping into a CASE expression.
func (p *Policy) TypeLeases() []TypeLease {
	return p.ordered
}

// DefaultLease returns the lease used for unmapped app types.
func (p *Policy) DefaultLease() time.Duration {
	return p.fallback
}
