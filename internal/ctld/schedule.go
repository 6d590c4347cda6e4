package ctld

import (
	"fmt"

	"github.com/cuemby/warrenctld/internal/bitmap"
	"github.com/cuemby/warrenctld/internal/model"
	"github.com/cuemby/warrenctld/internal/selector"
)

// PlanAllocation runs the selector against a read-only snapshot of State
// for one PENDING job: candidate set, row/node ordering, and task layout,
// per the model §4.5 five-stage algorithm. It never mutates State — the
// caller proposes the result through Apply(OpAllocateJob, ...), so every
// selection decision is committed through Raft exactly once regardless of
// whether it came from the immediate submit path or the scheduler tick's
// pending-queue retry.
func PlanAllocation(state *State, job *model.Job) ([]string, *selector.Result, error) {
	partition, ok := state.Partitions.GetByIndex(job.PartitionIndex)
	if !ok {
		return nil, nil, fmt.Errorf("ctld: job %d: unknown partition index %d", job.ID, job.PartitionIndex)
	}
	partBitmap, ok := state.Partitions.NodeBitmap(partition.Name)
	if !ok {
		return nil, nil, fmt.Errorf("ctld: partition %q has no node_bitmap", partition.Name)
	}

	allNodes := state.Nodes.All()
	idle := bitmap.New(partBitmap.Size())
	views := make(map[int]selector.NodeView, len(allNodes))
	for _, n := range allNodes {
		if n.State == model.NodeIdle {
			idle.Set(n.Index)
		}
		var weight int
		var features []string
		if cfg, ok := state.Nodes.Config(n.ConfigIndex); ok {
			weight = cfg.Weight
			features = cfg.Feature
		}
		views[n.Index] = selector.NodeView{
			Index:      n.Index,
			Weight:     weight,
			TotalCores: n.CPUs,
			Features:   features,
			MemoryMB:   n.RealMemory,
			TmpDiskMB:  n.TmpDisk,
			Up:         n.State != model.NodeDown,
		}
	}

	req := selectorRequest(job)
	// idle doubles as the candidate set's "up_nodes" input: a node already
	// fully allocated (BUSY) must be excluded exactly as a DOWN node is.
	cand := selector.CandidateSet(partBitmap, idle, views, req)
	res, err := selector.Select(cand, views, req, nil)
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(res.AllocBitmap.Indices()))
	for _, idx := range res.AllocBitmap.Indices() {
		if n, ok := state.Nodes.GetByIndex(idx); ok {
			names = append(names, n.Name)
		}
	}
	return names, res, nil
}

// selectorRequest translates a Job's Constraints into the selector's
// Request shape. Task count defaults to the requested proc count (one
// task per proc), matching scenario 1's NumProcs=2 -> cpu_count_reps=[(1,2)].
func selectorRequest(j *model.Job) selector.Request {
	c := j.Constraints
	numTasks := c.MinProcs
	if numTasks <= 0 {
		numTasks = c.MinNodes
	}
	if numTasks <= 0 {
		numTasks = 1
	}
	return selector.Request{
		MinNodes:        c.MinNodes,
		MaxNodes:        c.MaxNodes,
		MinProcsPerNode: c.MinProcsPerNode,
		MinMemoryMB:     c.MinMemoryPerNode,
		MinTmpDiskMB:    c.MinTmpDiskPerNode,
		RequiredFeature: c.Feature,
		Contiguous:      c.Contiguous,
		Exclusive:       c.Exclusive,
		NumTasks:        numTasks,
		CoresPerTask:    1,
		Layout:          selector.LayoutCyclic,
	}
}
