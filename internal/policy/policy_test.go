package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockDurationFallsBackForUnmappedTypes(t *testing.T) {
	p := New(5, 20, time.Millisecond, nil,
		map[string]time.Duration{"Ris": 5 * time.Second},
		900*time.Second)

	assert.Equal(t, 5*time.Second, p.LockDuration("Ris"))
	assert.Equal(t, 900*time.Second, p.LockDuration("Unknown"))
	assert.Equal(t, 900*time.Second, p.DefaultLease())
}

func TestTypeLeasesAreSorted(t *testing.T) {
	p := New(5, 20, time.Millisecond, nil,
		map[string]time.Duration{
			"Transfer":    900 * time.Second,
			"Ris":         5 * time.Second,
			"StoreServer": 5 * time.Second,
		},
		900*time.Second)

	leases := p.TypeLeases()
	types := make([]string, len(leases))
	for i, l := range leases {
		types[i] = l.AppType
	}
	assert.Equal(t, []string{"Ris", "StoreServer", "Transfer"}, types)
}

func TestDefaultPolicy(t *testing.T) {
	p := Default()
	assert.Equal(t, 5, p.MaxRetry)
	assert.Equal(t, 20, p.QueryLimit)
	assert.Equal(t, []string{"Ris", "StoreServer"}, p.FirstPriorityTypes)
	assert.Equal(t, 5*time.Second, p.LockDuration("StoreServer"))
	assert.Equal(t, 900*time.Second, p.LockDuration("StoreSCU"))
}

func TestNewCopiesInputs(t *testing.T) {
	priority := []string{"Ris"}
	leases := map[string]time.Duration{"Ris": 5 * time.Second}
	p := New(5, 20, time.Millisecond, priority, leases, 900*time.Second)

	priority[0] = "mutated"
	leases["Ris"] = time.Hour

	assert.Equal(t, []string{"Ris"}, p.FirstPriorityTypes)
	assert.Equal(t, 5*time.Second, p.LockDuration("Ris"))
}
