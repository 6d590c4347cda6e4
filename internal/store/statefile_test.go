package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	records := [][]byte{[]byte("hello"), []byte("world"), {}}

	require.NoError(t, WriteStateFile(dir, "jobs_state", 12345, records))

	ts, got, err := ReadStateFile(filepath.Join(dir, "jobs_state"))
	require.NoError(t, err)
	assert.Equal(t, uint32(12345), ts)
	assert.Equal(t, records, got)
}

func TestStateFileRotatesGenerations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteStateFile(dir, "jobs_state", 1, [][]byte{[]byte("a")}))
	require.NoError(t, WriteStateFile(dir, "jobs_state", 2, [][]byte{[]byte("b")}))

	_, err := os.Stat(filepath.Join(dir, "jobs_state.old"))
	assert.NoError(t, err)

	ts, records, err := ReadStateFile(filepath.Join(dir, "jobs_state"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ts)
	assert.Equal(t, [][]byte{[]byte("b")}, records)
}
