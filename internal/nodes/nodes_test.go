package nodes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrenctld/internal/model"
)

func newTestTable(t *testing.T) *Table {
	tbl := NewTable([]string{"lx00", "lx01"})
	cfgIdx := tbl.AddConfig(&model.Config{CPUs: 4, RealMemory: 8192, TmpDisk: 0})
	for _, name := range []string{"lx00", "lx01"} {
		require.NoError(t, tbl.InitNode(&model.Node{Name: name, ConfigIndex: cfgIdx}))
	}
	return tbl
}

func TestRegisterTransitionsUnknownToIdle(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.Register("lx00", 4, 8192, 0, 0, time.Now()))
	n, ok := tbl.Get("lx00")
	require.True(t, ok)
	assert.Equal(t, model.NodeIdle, n.State)
	assert.True(t, tbl.UpNodes().Test(0))
}

func TestRegisterFastScheduleMismatchMarksDown(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.Register("lx00", 2, 4096, 0, 1, time.Now()))
	n, ok := tbl.Get("lx00")
	require.True(t, ok)
	assert.Equal(t, model.NodeDown, n.State)
	assert.NotEmpty(t, n.Reason)
	assert.False(t, tbl.UpNodes().Test(0))
}

func TestAllocateReleaseCycle(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.Register("lx00", 4, 8192, 0, 0, time.Now()))
	require.NoError(t, tbl.Allocate("lx00"))
	n, _ := tbl.Get("lx00")
	assert.Equal(t, model.NodeBusy, n.State)

	require.NoError(t, tbl.Release("lx00"))
	n, _ = tbl.Get("lx00")
	assert.Equal(t, model.NodeIdle, n.State)
}

func TestAllocateBusyNodeFails(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.Register("lx00", 4, 8192, 0, 0, time.Now()))
	require.NoError(t, tbl.Allocate("lx00"))
	assert.Error(t, tbl.Allocate("lx00"))
}

func TestAdminDrainBusyNodeGoesDrainingThenDrained(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.Register("lx00", 4, 8192, 0, 0, time.Now()))
	require.NoError(t, tbl.Allocate("lx00"))
	require.NoError(t, tbl.AdminDrain("lx00"))
	n, _ := tbl.Get("lx00")
	assert.Equal(t, model.NodeDraining, n.State)

	require.NoError(t, tbl.Release("lx00"))
	n, _ = tbl.Get("lx00")
	assert.Equal(t, model.NodeDrained, n.State)
}
