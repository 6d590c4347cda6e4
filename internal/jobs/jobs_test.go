package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrenctld/internal/ctlerrors"
	"github.com/cuemby/warrenctld/internal/model"
)

func TestSubmitAssignsMonotonicID(t *testing.T) {
	tbl := NewTable(100, nil)
	now := time.Now()
	id1, err := tbl.Submit(&model.Job{}, now)
	require.NoError(t, err)
	id2, err := tbl.Submit(&model.Job{}, now)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), id1)
	assert.Equal(t, uint32(101), id2)
}

func TestSetJobIDWrapsAndAvoidsCollision(t *testing.T) {
	tbl := NewTable(100, nil)
	tbl.nextCandidate = ^uint32(0) // force wraparound on next mint
	tbl.jobs[100] = &model.Job{ID: 100}

	id, err := tbl.SetJobID()
	require.NoError(t, err)
	assert.Equal(t, uint32(101), id)
}

func TestCancelIdempotentOnCompleted(t *testing.T) {
	tbl := NewTable(1, nil)
	now := time.Now()
	id, _ := tbl.Submit(&model.Job{}, now)
	j, _ := tbl.Get(id)
	j.State = model.JobCompleted

	err := tbl.Cancel(id, nil)
	assert.True(t, ctlerrors.Is(err, ctlerrors.CodeAlreadyDone))
	err = tbl.Cancel(id, nil)
	assert.True(t, ctlerrors.Is(err, ctlerrors.CodeAlreadyDone))
	assert.Equal(t, model.JobCompleted, j.State)
}

func TestCancelRunningJobWithActiveStepsGoesCompleting(t *testing.T) {
	tbl := NewTable(1, nil)
	now := time.Now()
	id, _ := tbl.Submit(&model.Job{}, now)
	j, _ := tbl.Get(id)
	j.State = model.JobRunning
	_, err := tbl.StepCreate(id, "deadbeef", "ctx1", now)
	require.NoError(t, err)

	require.NoError(t, tbl.Cancel(id, nil))
	assert.Equal(t, model.JobCompleting, j.State)
}

func TestModifyNoFieldsReturnsNoUpdate(t *testing.T) {
	tbl := NewTable(1, nil)
	id, _ := tbl.Submit(&model.Job{}, time.Now())
	err := tbl.Modify(id, ModifyUpdate{})
	assert.True(t, ctlerrors.Is(err, ctlerrors.CodeNoUpdate))
}

func TestPurgeRemovesOldTerminalJobs(t *testing.T) {
	tbl := NewTable(1, nil)
	now := time.Now()
	id, _ := tbl.Submit(&model.Job{}, now)
	j, _ := tbl.Get(id)
	j.State = model.JobCompleted
	j.EndTime = now.Add(-2 * time.Hour)

	purged := tbl.Purge(now, time.Hour)
	assert.Equal(t, []uint32{id}, purged)
	_, ok := tbl.Get(id)
	assert.False(t, ok)
}
