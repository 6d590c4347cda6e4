package agents

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAgentTicksAndStops(t *testing.T) {
	var count int32
	a := New("test-agent", 10*time.Millisecond, func(now time.Time) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	a.Start()
	time.Sleep(55 * time.Millisecond)
	a.Stop()

	got := atomic.LoadInt32(&count)
	assert.GreaterOrEqual(t, got, int32(2))

	before := atomic.LoadInt32(&count)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, atomic.LoadInt32(&count), "no further ticks after Stop")
}

func TestGroupStartAllAndStopAll(t *testing.T) {
	var a, b int32
	agentA := New("a", 10*time.Millisecond, func(time.Time) error { atomic.AddInt32(&a, 1); return nil })
	agentB := New("b", 10*time.Millisecond, func(time.Time) error { atomic.AddInt32(&b, 1); return nil })
	g := NewGroup(agentA, agentB)

	g.StartAll()
	time.Sleep(35 * time.Millisecond)
	g.StopAll()

	assert.Greater(t, atomic.LoadInt32(&a), int32(0))
	assert.Greater(t, atomic.LoadInt32(&b), int32(0))
}

func TestAgentContinuesAfterTickError(t *testing.T) {
	var count int32
	a := New("err-agent", 10*time.Millisecond, func(time.Time) error {
		n := atomic.AddInt32(&count, 1)
		if n == 1 {
			return assert.AnError
		}
		return nil
	})
	a.Start()
	time.Sleep(35 * time.Millisecond)
	a.Stop()
	assert.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(2))
}
