package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClockSetAndAdvance(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := NewMockClock(start)
	assert.Equal(t, start, clk.Now())

	clk.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clk.Now())

	clk.Set(start)
	assert.Equal(t, start, clk.Now())
}

func TestMockClockAfterDeliversImmediately(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := NewMockClock(start)

	select {
	case fired := <-clk.After(time.Hour):
		assert.Equal(t, start.Add(time.Hour), fired)
	case <-time.After(time.Second):
		t.Fatal("mock After must not block")
	}
}

func TestRealClockAfterFires(t *testing.T) {
	clk := NewRealClock()
	select {
	case <-clk.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("real After did not fire")
	}
	require.False(t, clk.Now().IsZero())
}
