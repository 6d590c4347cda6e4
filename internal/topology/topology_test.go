package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrenctld/internal/bitmap"
)

func TestGridAllocateContiguousRun(t *testing.T) {
	g := NewGrid([]int{8}, ConnTorus, UseShared)
	cand := bitmap.New(8)
	for i := 0; i < 8; i++ {
		cand.Set(i)
	}
	block, ok := g.Allocate(Request{Candidates: cand, MinNodes: 3})
	require.True(t, ok)
	assert.Len(t, block.BasePartitions, 3)
}

func TestGridFreeAllowsReallocation(t *testing.T) {
	g := NewGrid([]int{4}, ConnMesh, UseShared)
	cand := bitmap.New(4)
	for i := 0; i < 4; i++ {
		cand.Set(i)
	}
	block, ok := g.Allocate(Request{Candidates: cand, MinNodes: 4})
	require.True(t, ok)

	_, ok = g.Allocate(Request{Candidates: cand, MinNodes: 1})
	assert.False(t, ok, "all 4 nodes already allocated")

	g.Free(block)
	_, ok = g.Allocate(Request{Candidates: cand, MinNodes: 1})
	assert.True(t, ok)
}

// Scenario 6: A preempts B; B preempts C. Attempting to let C preempt A
// must be rejected as a loop.
func TestPreemptionLoopGuard(t *testing.T) {
	g := NewGrid([]int{1}, ConnMesh, UseShared)
	const qosA, qosB, qosC = 1, 2, 3
	preempt := map[uint64]uint64{
		qosA: 1 << qosB,
		qosB: 1 << qosC,
	}

	loop := g.WouldIntroducePreemptionLoop(qosC, []uint64{qosA}, preempt)
	assert.True(t, loop)
}

func TestNoPreemptionLoopForDisjointQOS(t *testing.T) {
	g := NewGrid([]int{1}, ConnMesh, UseShared)
	preempt := map[uint64]uint64{
		1: 1 << 2,
	}
	loop := g.WouldIntroducePreemptionLoop(3, []uint64{1}, preempt)
	assert.False(t, loop)
}
