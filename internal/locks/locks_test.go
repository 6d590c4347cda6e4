package locks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireReleaseWriteSet(t *testing.T) {
	m := New()
	g := m.Acquire(Jobs|Nodes, Write)
	assert.True(t, g.Held(Jobs))
	assert.True(t, g.Held(Nodes))
	assert.False(t, g.Held(Usage))
	g.Release()
}

func TestReleaseTwicePanics(t *testing.T) {
	m := New()
	g := m.Acquire(Configs, Read)
	g.Release()
	assert.Panics(t, func() { g.Release() })
}

func TestDisjointSetsDoNotBlock(t *testing.T) {
	m := New()
	g1 := m.Acquire(Jobs, Write)
	done := make(chan struct{})
	go func() {
		g2 := m.Acquire(Nodes, Write)
		g2.Release()
		close(done)
	}()
	<-done
	g1.Release()
}

func TestLockSetString(t *testing.T) {
	s := Jobs | Partitions | Usage
	assert.Equal(t, "jobs|partitions|usage", s.String())
}
