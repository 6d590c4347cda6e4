package assoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrenctld/internal/ctlerrors"
	"github.com/cuemby/warrenctld/internal/model"
	"github.com/cuemby/warrenctld/internal/topology"
)

func TestNestedSetInsertMaintainsInvariant(t *testing.T) {
	tree := NewTree()
	root := tree.Root("clusterA")
	child1, err := tree.Insert(root.ID, "acct1", "", "")
	require.NoError(t, err)
	_, err = tree.Insert(child1.ID, "acct1", "alice", "")
	require.NoError(t, err)
	_, err = tree.Insert(root.ID, "acct2", "", "")
	require.NoError(t, err)

	require.NoError(t, tree.CheckInvariant())

	sub, err := tree.Subtree(child1.ID)
	require.NoError(t, err)
	assert.Len(t, sub, 2) // child1 itself and its user child
}

// Scenario 6: A preempts B; B preempts C. Modifying C to preempt A must
// fail, leaving qos_table untouched.
func TestModifyQOSPreemptRejectsLoop(t *testing.T) {
	tree := NewTree()
	idA := tree.AddQOS(&model.QOS{Name: "A"})
	idB := tree.AddQOS(&model.QOS{Name: "B"})
	idC := tree.AddQOS(&model.QOS{Name: "C"})

	g := topology.NewGrid([]int{1}, topology.ConnMesh, topology.UseShared)

	require.NoError(t, tree.ModifyQOSPreempt(g, idA, []uint64{idB}))
	require.NoError(t, tree.ModifyQOSPreempt(g, idB, []uint64{idC}))

	before, _ := tree.GetQOS(idC)
	beforeBits := before.PreemptBitset

	err := tree.ModifyQOSPreempt(g, idC, []uint64{idA})
	assert.True(t, ctlerrors.Is(err, ctlerrors.CodeQOSPreemptionLoop))

	after, _ := tree.GetQOS(idC)
	assert.Equal(t, beforeBits, after.PreemptBitset)
}
