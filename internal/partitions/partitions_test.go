package partitions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrenctld/internal/bitmap"
	"github.com/cuemby/warrenctld/internal/model"
)

func newNI() *bitmap.NameIndex {
	return bitmap.NewNameIndex([]string{"lx00", "lx01", "lx02", "lx03"}, 10)
}

func TestAddExpandsNodeBitmap(t *testing.T) {
	tbl := NewTable(newNI())
	require.NoError(t, tbl.Add(&model.Partition{Name: "debug", Nodes: "lx[00-01]", Default: true, StateUp: true}))
	bm, ok := tbl.NodeBitmap("debug")
	require.True(t, ok)
	assert.Equal(t, []int{0, 1}, bm.Indices())
}

func TestOnlyOneDefaultAllowed(t *testing.T) {
	tbl := NewTable(newNI())
	require.NoError(t, tbl.Add(&model.Partition{Name: "a", Nodes: "lx00", Default: true}))
	err := tbl.Add(&model.Partition{Name: "b", Nodes: "lx01", Default: true})
	assert.Error(t, err)
}

func TestUpdateNodesRebuildsBitmapAndReportsDiff(t *testing.T) {
	tbl := NewTable(newNI())
	require.NoError(t, tbl.Add(&model.Partition{Name: "debug", Nodes: "lx[00-01]", Default: true}))

	gained, lost, err := tbl.Apply("debug", Update{Nodes: OptionalString{Set: true, Value: "lx[01-02]"}})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, gained.Indices())
	assert.Equal(t, []int{0}, lost.Indices())

	bm, _ := tbl.NodeBitmap("debug")
	assert.Equal(t, []int{1, 2}, bm.Indices())
}

func TestDefaultFlagMovesExclusively(t *testing.T) {
	tbl := NewTable(newNI())
	require.NoError(t, tbl.Add(&model.Partition{Name: "a", Nodes: "lx00", Default: true}))
	require.NoError(t, tbl.Add(&model.Partition{Name: "b", Nodes: "lx01", Default: false}))

	newDefault := true
	_, _, err := tbl.Apply("b", Update{Default: &newDefault})
	require.NoError(t, err)

	a, _ := tbl.Get("a")
	b, _ := tbl.Get("b")
	assert.False(t, a.Default)
	assert.True(t, b.Default)
}
