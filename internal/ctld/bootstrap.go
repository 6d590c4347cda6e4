package ctld

import (
	"fmt"
	"strings"

	"github.com/cuemby/warrenctld/internal/assoc"
	"github.com/cuemby/warrenctld/internal/bitmap"
	"github.com/cuemby/warrenctld/internal/config"
	"github.com/cuemby/warrenctld/internal/jobs"
	"github.com/cuemby/warrenctld/internal/model"
	"github.com/cuemby/warrenctld/internal/nodes"
	"github.com/cuemby/warrenctld/internal/partitions"
)

// sharedPolicyFromString maps the config file's NO/YES/FORCE/EXCLUSIVE
// Shared= token onto model.SharedPolicy; EXCLUSIVE has no distinct
// scheduling behavior yet and is treated as FORCE, matching the teacher's
// convention of collapsing rarely-used config values onto their nearest
// supported neighbor rather than rejecting the config outright.
func sharedPolicyFromString(s string) model.SharedPolicy {
	switch strings.ToUpper(s) {
	case "YES":
		return model.SharedYes
	case "FORCE", "EXCLUSIVE":
		return model.SharedForce
	default:
		return model.SharedNo
	}
}

// BuildState constructs a fresh in-memory State from a parsed daemon
// configuration: every NodeName line is expanded and dense-indexed, every
// PartitionName line's Nodes hostlist is expanded into its node_bitmap, and
// an empty association tree is seeded with the cluster root. Called once at
// startup, before the Raft group (and its FSM, wrapping this State) comes
// up; on a non-bootstrapping join the State is instead populated entirely
// by FSM.Restore from the leader's snapshot.
func BuildState(cfg *config.File, clusterName string, jobIDLowerBound uint32) (*State, error) {
	var allNames []string
	expansions := make([][]string, len(cfg.Nodes))
	for i, nl := range cfg.Nodes {
		names, err := bitmap.ExpandNames(nl.NodeName)
		if err != nil {
			return nil, fmt.Errorf("ctld: expand NodeName %q: %w", nl.NodeName, err)
		}
		expansions[i] = names
		allNames = append(allNames, names...)
	}

	nt := nodes.NewTable(allNames)
	for i, nl := range cfg.Nodes {
		cfgIdx := nt.AddConfig(&model.Config{
			CPUs:       nl.CPUs,
			RealMemory: nl.RealMemory,
			TmpDisk:    nl.TmpDisk,
			Weight:     nl.Weight,
			Feature:    nl.Feature,
		})
		for _, name := range expansions[i] {
			if err := nt.InitNode(&model.Node{Name: name, ConfigIndex: cfgIdx}); err != nil {
				return nil, fmt.Errorf("ctld: init node %q: %w", name, err)
			}
		}
	}

	pt := partitions.NewTable(nt.NameIndex())
	for _, pl := range cfg.Partitions {
		p := &model.Partition{
			Name:        pl.PartitionName,
			Nodes:       pl.Nodes,
			MaxTime:     pl.MaxTime,
			MaxNodes:    pl.MaxNodes,
			MaxCPUs:     -1,
			Default:     pl.Default,
			Shared:      sharedPolicyFromString(pl.Shared),
			StateUp:     !strings.EqualFold(pl.State, "DOWN"),
			AllowGroups: pl.AllowGroups,
		}
		if err := pt.Add(p); err != nil {
			return nil, fmt.Errorf("ctld: add partition %q: %w", pl.PartitionName, err)
		}
	}

	at := assoc.NewTree()
	at.Root(clusterName)

	return &State{
		Nodes:      nt,
		Partitions: pt,
		Jobs:       jobs.NewTable(jobIDLowerBound, nil),
		Assoc:      at,
	}, nil
}
