package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
# main daemon settings
ControlMachine=ctl0
SlurmctldPort=6817
FastSchedule=1 \# trailing comment
HeartbeatInterval=30

NodeName=lx[00-03] CPUs=4 RealMemory=8192 Weight=1 Feature=gpu,fast
PartitionName=debug Nodes=lx[00-03] MaxTime=60 Default=YES Shared=NO AllowGroups=staff
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, "ctl0", cfg.Main.ControlMachine)
	assert.Equal(t, 6817, cfg.Main.SlurmctldPort)
	assert.Equal(t, 1, cfg.Main.FastSchedule)
	assert.Equal(t, 30, cfg.Main.HeartbeatInterval)

	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, "lx[00-03]", cfg.Nodes[0].NodeName)
	assert.Equal(t, 4, cfg.Nodes[0].CPUs)
	assert.Equal(t, []string{"gpu", "fast"}, cfg.Nodes[0].Feature)

	require.Len(t, cfg.Partitions, 1)
	assert.Equal(t, "debug", cfg.Partitions[0].PartitionName)
	assert.True(t, cfg.Partitions[0].Default)
	assert.Equal(t, []string{"staff"}, cfg.Partitions[0].AllowGroups)
}

func TestCommentEscaping(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`ControlMachine=ctl0 \#notacomment# real comment`))
	require.NoError(t, err)
	assert.Equal(t, "ctl0", cfg.Main.ControlMachine)
}

func TestMultipleDefaultsRejected(t *testing.T) {
	bad := `
PartitionName=a Nodes=lx00 Default=YES
PartitionName=b Nodes=lx01 Default=YES
`
	_, err := Parse(strings.NewReader(bad))
	assert.Error(t, err)
}
