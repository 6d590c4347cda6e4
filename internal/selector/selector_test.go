package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrenctld/internal/bitmap"
	"github.com/cuemby/warrenctld/internal/ctlerrors"
)

func fourNodeView(cores int) map[int]NodeView {
	m := map[int]NodeView{}
	for i := 0; i < 4; i++ {
		m[i] = NodeView{Index: i, Weight: 1, TotalCores: cores, Up: true}
	}
	return m
}

func allSet(n int) *bitmap.Bitmap {
	bm := bitmap.New(n)
	for i := 0; i < n; i++ {
		bm.Set(i)
	}
	return bm
}

// Scenario 1 from the end-to-end test set: 2 nodes, 2 procs, cyclic layout.
func TestSubmitAndAllocateScenario(t *testing.T) {
	cand := allSet(4)
	nv := fourNodeView(4)
	req := Request{MinNodes: 2, MaxNodes: 2, NumTasks: 2, CoresPerTask: 1, Layout: LayoutCyclic}

	res, err := Select(cand, nv, req, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, res.AllocBitmap.Indices())
	assert.Equal(t, 2, res.AllocBitmap.Popcount())
}

// Scenario 3: nodes 0,1,3 idle, 2 down; contiguous run of 3 impossible.
func TestContiguousConstraintFragmentation(t *testing.T) {
	cand := bitmap.New(4)
	cand.Set(0)
	cand.Set(1)
	cand.Set(3)
	nv := fourNodeView(4)
	req := Request{MinNodes: 3, Contiguous: true, NumTasks: 3, Layout: LayoutCyclic}

	_, err := Select(cand, nv, req, nil)
	assert.True(t, ctlerrors.Is(err, ctlerrors.CodeFragmentation))
}

func TestMinNodesExceedsMaxNodesRejected(t *testing.T) {
	cand := allSet(4)
	nv := fourNodeView(4)
	req := Request{MinNodes: 3, MaxNodes: 2, NumTasks: 2, Layout: LayoutCyclic}
	_, err := Select(cand, nv, req, nil)
	assert.True(t, ctlerrors.Is(err, ctlerrors.CodeTooManyNodes))
}

func TestExclusiveChargesAllCores(t *testing.T) {
	cand := allSet(2)
	nv := fourNodeView(8)
	req := Request{MinNodes: 2, MaxNodes: 2, NumTasks: 2, Exclusive: true, Layout: LayoutCyclic}

	res, err := Select(cand, nv, req, nil)
	require.NoError(t, err)
	for _, r := range res.CPUCountReps {
		assert.Equal(t, 8, r.Count)
	}
}

func TestBadTaskCountOnZeroTasks(t *testing.T) {
	cand := allSet(2)
	nv := fourNodeView(4)
	req := Request{MinNodes: 1, NumTasks: 0, Layout: LayoutCyclic}
	_, err := Select(cand, nv, req, nil)
	assert.True(t, ctlerrors.Is(err, ctlerrors.CodeBadTaskCount))
}

func TestBestRowPrefersMostUsedRowThatStillFits(t *testing.T) {
	nv := NodeView{Index: 0, TotalCores: 8, Rows: []Row{
		{UsedCores: 0}, // row 0: 8 free
		{UsedCores: 5}, // row 1: 3 free
		{UsedCores: 7}, // row 2: 1 free
	}}
	row, free, ok := nv.bestRow(2)
	require.True(t, ok)
	assert.Equal(t, 1, row)
	assert.Equal(t, 3, free)
}

func TestBestRowTieBreaksByLowestIndex(t *testing.T) {
	nv := NodeView{Index: 0, TotalCores: 8, Rows: []Row{
		{UsedCores: 4}, // row 0: 4 free
		{UsedCores: 4}, // row 1: 4 free
	}}
	row, _, ok := nv.bestRow(2)
	require.True(t, ok)
	assert.Equal(t, 0, row)
}

func TestBestRowRejectsWhenNoRowFits(t *testing.T) {
	nv := NodeView{Index: 0, TotalCores: 8, Rows: []Row{
		{UsedCores: 7},
		{UsedCores: 6},
	}}
	_, _, ok := nv.bestRow(3)
	assert.False(t, ok)
}

func TestCandidateSetExcludesNodeWhenNoRowHasCapacity(t *testing.T) {
	cand := allSet(1)
	nv := map[int]NodeView{
		0: {Index: 0, Up: true, TotalCores: 8, Rows: []Row{{UsedCores: 7}, {UsedCores: 8}}},
	}
	req := Request{MinProcsPerNode: 2}
	got := CandidateSet(cand, cand, nv, req)
	assert.Equal(t, 0, got.Popcount())
}

func TestPlaneLayoutGroupsTasks(t *testing.T) {
	cand := allSet(4)
	nv := fourNodeView(4)
	req := Request{MinNodes: 4, MaxNodes: 4, NumTasks: 8, PlaneSize: 2, Layout: LayoutPlane}
	res, err := Select(cand, nv, req, nil)
	require.NoError(t, err)
	// tasks 0,1 -> node 0; tasks 2,3 -> node 1; etc.
	assert.Equal(t, res.TaskNode[0], res.TaskNode[1])
	assert.NotEqual(t, res.TaskNode[0], res.TaskNode[2])
}
