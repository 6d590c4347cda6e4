package accounting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrenctld/internal/model"
	"github.com/cuemby/warrenctld/internal/store"
)

func newTestWriter(t *testing.T) *Writer {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewWriter(st)
}

func TestAddJobAppendsTxnRow(t *testing.T) {
	w := newTestWriter(t)
	now := time.Now()
	require.NoError(t, w.AddJob(&model.Job{ID: 7}, "alice", now))

	rows, err := w.st.ListTxn()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ADD_JOB", rows[0].Action)
	assert.Equal(t, "7", rows[0].ObjectName)
}

func TestBulkUpsertQOSRollsBackOnValidationFailure(t *testing.T) {
	w := newTestWriter(t)
	err := w.BulkUpsertQOS([]*model.QOS{{Name: "normal"}, {Name: ""}}, "admin", time.Now())
	assert.Error(t, err)

	rows, err := w.st.ListQOS()
	require.NoError(t, err)
	assert.Empty(t, rows, "no row should be committed when any row in the batch fails")
}

func TestSoftDeleteQOSRewritesDeltaQOS(t *testing.T) {
	w := newTestWriter(t)
	require.NoError(t, w.st.PutQOS(&model.QOS{ID: 3, Name: "gpu"}))
	assoc := &model.Association{ID: 1, DeltaQOS: "+3,+5"}

	require.NoError(t, w.SoftDeleteQOS(3, []*model.Association{assoc}, "admin", time.Now()))

	assert.Equal(t, "+5", assoc.DeltaQOS)
	q, ok, err := w.st.GetQOS(3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, q.Deleted)
}
