package ctld

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrenctld/internal/assoc"
	"github.com/cuemby/warrenctld/internal/jobs"
	"github.com/cuemby/warrenctld/internal/model"
	"github.com/cuemby/warrenctld/internal/nodes"
	"github.com/cuemby/warrenctld/internal/partitions"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	nt := nodes.NewTable([]string{"node1", "node2"})
	cfgIdx := nt.AddConfig(&model.Config{CPUs: 4, RealMemory: 1024, TmpDisk: 0})
	require.NoError(t, nt.InitNode(&model.Node{Name: "node1", ConfigIndex: cfgIdx}))
	require.NoError(t, nt.InitNode(&model.Node{Name: "node2", ConfigIndex: cfgIdx}))

	pt := partitions.NewTable(nt.NameIndex())
	require.NoError(t, pt.Add(&model.Partition{Name: "batch", Nodes: "node1,node2", Default: true, StateUp: true, MaxTime: -1, MaxNodes: -1, MaxCPUs: -1}))

	return &State{
		Nodes:      nt,
		Partitions: pt,
		Jobs:       jobs.NewTable(1, nil),
		Assoc:      assoc.NewTree(),
	}
}

func apply(t *testing.T, f *FSM, op string, data interface{}) interface{} {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	cmd := Command{Op: op, Data: raw}
	cmdBytes, err := json.Marshal(cmd)
	require.NoError(t, err)
	return f.Apply(&raft.Log{Data: cmdBytes})
}

func TestFSMApplyRegisterAndAllocateNode(t *testing.T) {
	state := newTestState(t)
	f := NewFSM(state)

	result := apply(t, f, OpRegisterNode, registerNodePayload{
		Name: "node1", ReportedCPUs: 4, ReportedMem: 1024, ReportedTmpDisk: 0, FastSchedule: 1, Now: time.Now().Unix(),
	})
	require.Nil(t, result)

	n, ok := state.Nodes.Get("node1")
	require.True(t, ok)
	require.Equal(t, model.NodeIdle, n.State)

	result = apply(t, f, OpAllocateNode, nodeNamePayload{Name: "node1"})
	require.Nil(t, result)
	require.Equal(t, model.NodeBusy, n.State)
}

func TestFSMApplySubmitJobMintsID(t *testing.T) {
	state := newTestState(t)
	f := NewFSM(state)

	partition, ok := state.Partitions.Get("batch")
	require.True(t, ok)
	result := apply(t, f, OpSubmitJob, submitJobPayload{
		Job: &model.Job{PartitionIndex: partition.Index, TimeLimitMinutes: 10},
		Now: time.Now().Unix(),
	})
	id, ok := result.(uint32)
	require.True(t, ok, "expected uint32 job id, got %T", result)
	require.Equal(t, uint32(1), id)

	j, ok := state.Jobs.Get(id)
	require.True(t, ok)
	require.Equal(t, model.JobPending, j.State)
}

func TestFSMApplyUnknownOp(t *testing.T) {
	state := newTestState(t)
	f := NewFSM(state)
	result := apply(t, f, "not_a_real_op", struct{}{})
	err, ok := result.(error)
	require.True(t, ok)
	require.Contains(t, err.Error(), "unknown op")
}

type fakeSink struct {
	bytes.Buffer
}

func (s *fakeSink) ID() string      { return "test-snapshot" }
func (s *fakeSink) Cancel() error   { return nil }
func (s *fakeSink) Close() error    { return nil }

type readCloser struct{ io.Reader }

func (readCloser) Close() error { return nil }

func TestFSMSnapshotRestoreRoundTrip(t *testing.T) {
	state := newTestState(t)
	f := NewFSM(state)

	apply(t, f, OpRegisterNode, registerNodePayload{Name: "node1", ReportedCPUs: 4, ReportedMem: 1024, FastSchedule: 1, Now: time.Now().Unix()})
	partition, ok := state.Partitions.Get("batch")
	require.True(t, ok)
	jobResult := apply(t, f, OpSubmitJob, submitJobPayload{Job: &model.Job{PartitionIndex: partition.Index, TimeLimitMinutes: 5}, Now: time.Now().Unix()})
	jobID := jobResult.(uint32)

	snap, err := f.Snapshot()
	require.NoError(t, err)

	sink := &fakeSink{}
	require.NoError(t, snap.Persist(sink))

	restoredState := newTestState(t)
	restoredFSM := NewFSM(restoredState)
	require.NoError(t, restoredFSM.Restore(readCloser{bytes.NewReader(sink.Bytes())}))

	n, ok := restoredState.Nodes.Get("node1")
	require.True(t, ok)
	require.Equal(t, model.NodeIdle, n.State)

	j, ok := restoredState.Jobs.Get(jobID)
	require.True(t, ok)
	require.Equal(t, model.JobPending, j.State)
}
