// Package selector implements the resource selector: given a PENDING job's
// constraints, it produces either an allocated node bitmap with a per-node
// CPU vector, or a failure reason. See model §4.5: candidate-set filtering,
// contiguous/topology delegation, consumable-resource row selection, and
// task layout.
package selector

import (
	"sort"

	"github.com/cuemby/warrenctld/internal/bitmap"
	"github.com/cuemby/warrenctld/internal/ctlerrors"
	"github.com/cuemby/warrenctld/internal/model"
)

// NodeView is the selector's read-only view of one candidate node's
// capacity, sourced from internal/nodes + internal/partitions under the
// caller's held read locks.
type NodeView struct {
	Index       int
	Weight      int      // from Config, ascending scheduling order
	TotalCores  int
	Rows        []Row    // consumable-resource rows, e.g. per-socket or per-partition usage
	Features    []string
	MemoryMB    int
	TmpDiskMB   int
	Up          bool
}

// Row is one consumable-resource accounting row: a fixed number of cores
// already committed, out of the node's total.
type Row struct {
	UsedCores int
}

func (n NodeView) freeCores(row int) int {
	if row < 0 || row >= len(n.Rows) {
		return n.TotalCores
	}
	return n.TotalCores - n.Rows[row].UsedCores
}

// bestRow picks the consumable-resource row that should carry a job
// requesting need cores on this node: among rows with enough free
// capacity, the one with the least free capacity left (most existing
// use, reducing fragmentation for future jobs), tie-breaking by lowest
// row index. A NodeView with no declared rows is treated as a single
// implicit row spanning the whole node.
func (n NodeView) bestRow(need int) (row, free int, ok bool) {
	if len(n.Rows) == 0 {
		free = n.TotalCores
		return 0, free, free >= need
	}
	best := -1
	bestFree := 0
	for i := range n.Rows {
		f := n.freeCores(i)
		if f < need {
			continue
		}
		if best == -1 || f < bestFree {
			best = i
			bestFree = f
		}
	}
	if best == -1 {
		return 0, 0, false
	}
	return best, bestFree, true
}

// Topology is the abstract interface the selector delegates contiguous/
// topology-aware placement to (internal/topology implements it); the
// selector treats it strictly as a black box.
type Topology interface {
	Allocate(candidates *bitmap.Bitmap, minNodes, maxNodes int) (*bitmap.Bitmap, bool)
}

// LayoutKind names the task-to-node distribution strategy.
type LayoutKind int

const (
	LayoutCyclic LayoutKind = iota
	LayoutBlock
	LayoutPlane
)

// Request is the validated set of placement constraints for one job.
type Request struct {
	MinNodes        int
	MaxNodes        int // 0 means unbounded
	MinProcsPerNode int
	MinMemoryMB     int
	MinTmpDiskMB    int
	RequiredFeature string // empty means "any"
	Contiguous      bool
	Exclusive       bool

	NumTasks      int
	CoresPerTask  int
	Layout        LayoutKind
	PlaneSize     int // only meaningful when Layout == LayoutPlane
}

// Result is a successful selection.
type Result struct {
	AllocBitmap  *bitmap.Bitmap
	CPUCountReps []model.CPURun
	// TaskNode[i] is the node index task i is placed on, in task order.
	TaskNode []int
}

// CandidateSet computes partition.node_bitmap ∩ up_nodes, minus nodes
// lacking the required feature or below the per-node minimums, minus nodes
// on which no consumable-resource row has req.MinProcsPerNode cores free
// (see bestRow).
func CandidateSet(partitionBitmap, upNodes *bitmap.Bitmap, nodesByIndex map[int]NodeView, req Request) *bitmap.Bitmap {
	cand := partitionBitmap.Copy().And(upNodes)
	for _, idx := range cand.Indices() {
		nv, ok := nodesByIndex[idx]
		if !ok {
			cand.Clear(idx)
			continue
		}
		if req.RequiredFeature != "" && !hasFeature(nv.Features, req.RequiredFeature) {
			cand.Clear(idx)
			continue
		}
		if nv.MemoryMB < req.MinMemoryMB || nv.TmpDiskMB < req.MinTmpDiskMB {
			cand.Clear(idx)
			continue
		}
		if _, _, ok := nv.bestRow(req.MinProcsPerNode); !ok {
			cand.Clear(idx)
			continue
		}
	}
	return cand
}

func hasFeature(features []string, want string) bool {
	for _, f := range features {
		if f == want {
			return true
		}
	}
	return false
}

// Select runs the full five-stage algorithm.
func Select(cand *bitmap.Bitmap, nodesByIndex map[int]NodeView, req Request, topo Topology) (*Result, error) {
	if req.MinNodes > 0 && req.MaxNodes > 0 && req.MinNodes > req.MaxNodes {
		return nil, ctlerrors.New(ctlerrors.CodeTooManyNodes)
	}

	working := cand
	if req.Contiguous {
		lo, hi, ok := findContiguousRun(cand, req.MinNodes)
		if !ok {
			return nil, ctlerrors.New(ctlerrors.CodeFragmentation)
		}
		working = bitmap.New(cand.Size())
		for i := lo; i <= hi; i++ {
			working.Set(i)
		}
	} else if topo != nil {
		sub, ok := topo.Allocate(cand, req.MinNodes, req.MaxNodes)
		if !ok {
			return nil, ctlerrors.New(ctlerrors.CodeNodesBusy)
		}
		working = sub
	}

	chosen := orderCandidates(working, nodesByIndex, req)
	if req.MaxNodes > 0 && len(chosen) > req.MaxNodes {
		chosen = chosen[:req.MaxNodes]
	}
	if len(chosen) < req.MinNodes {
		return nil, ctlerrors.New(ctlerrors.CodeNodesBusy)
	}

	allocBM := bitmap.New(cand.Size())
	for _, idx := range chosen {
		allocBM.Set(idx)
	}

	taskNode, err := layoutTasks(chosen, nodesByIndex, req)
	if err != nil {
		return nil, err
	}

	return &Result{
		AllocBitmap:  allocBM,
		CPUCountReps: cpuRuns(taskNode, chosen, req, nodesByIndex),
		TaskNode:     taskNode,
	}, nil
}

// findContiguousRun scans the candidate bitmap for the first run of at
// least minLen consecutive set indices.
func findContiguousRun(cand *bitmap.Bitmap, minLen int) (lo, hi int, ok bool) {
	idx := cand.Indices()
	if len(idx) == 0 {
		return 0, 0, false
	}
	runStart := idx[0]
	prev := idx[0]
	for i := 1; i <= len(idx); i++ {
		if i < len(idx) && idx[i] == prev+1 {
			prev = idx[i]
			continue
		}
		if prev-runStart+1 >= minLen {
			return runStart, prev, true
		}
		if i < len(idx) {
			runStart = idx[i]
			prev = idx[i]
		}
	}
	return 0, 0, false
}

// orderCandidates sorts candidate node indices by Config weight ascending,
// then by the free capacity of each node's best-fit row descending (most
// available capacity first), then index ascending. A node whose rows can
// no longer satisfy req.MinProcsPerNode is ranked as if the node's full
// capacity were free, since CandidateSet has already excluded it from
// chosen when it matters.
func orderCandidates(cand *bitmap.Bitmap, nodesByIndex map[int]NodeView, req Request) []int {
	idx := cand.Indices()
	rowFree := func(nv NodeView) int {
		if _, free, ok := nv.bestRow(req.MinProcsPerNode); ok {
			return free
		}
		return nv.TotalCores
	}
	sort.Slice(idx, func(i, j int) bool {
		a, b := nodesByIndex[idx[i]], nodesByIndex[idx[j]]
		if a.Weight != b.Weight {
			return a.Weight < b.Weight
		}
		fa, fb := rowFree(a), rowFree(b)
		if fa != fb {
			return fa > fb
		}
		return idx[i] < idx[j]
	})
	return idx
}

// layoutTasks distributes req.NumTasks across chosen nodes per the
// requested layout, terminating even in over-commit (tasks > total
// capacity) and failing deterministically on malformed input.
func layoutTasks(chosen []int, nodesByIndex map[int]NodeView, req Request) ([]int, error) {
	if req.NumTasks <= 0 || len(chosen) == 0 {
		return nil, ctlerrors.New(ctlerrors.CodeBadTaskCount)
	}

	taskNode := make([]int, 0, req.NumTasks)
	switch req.Layout {
	case LayoutBlock:
		capacity := make([]int, len(chosen))
		for i, idx := range chosen {
			capacity[i] = nodesByIndex[idx].TotalCores
			if capacity[i] <= 0 {
				capacity[i] = 1 // over-commit floor: still schedulable, just oversubscribed
			}
		}
		node := 0
		used := 0
		for len(taskNode) < req.NumTasks {
			if used >= capacity[node] && node < len(chosen)-1 {
				node++
				used = 0
			}
			taskNode = append(taskNode, chosen[node])
			used++
			if node == len(chosen)-1 && used > capacity[node]*1000 {
				// malformed input guard: capacity non-positive after flooring
				// cannot happen given the floor above, but bounds the loop
				// deterministically regardless.
				return nil, ctlerrors.New(ctlerrors.CodeBadTaskCount)
			}
		}
	case LayoutPlane:
		plane := req.PlaneSize
		if plane <= 0 {
			return nil, ctlerrors.New(ctlerrors.CodeBadTaskCount)
		}
		for i := 0; i < req.NumTasks; i++ {
			block := i / plane
			node := chosen[block%len(chosen)]
			taskNode = append(taskNode, node)
		}
	default: // LayoutCyclic
		for i := 0; i < req.NumTasks; i++ {
			taskNode = append(taskNode, chosen[i%len(chosen)])
		}
	}
	return taskNode, nil
}

// cpuRuns compresses the per-node CPU assignment implied by taskNode into
// run-length-encoded (count, reps) pairs in allocated-node order, or — for
// --exclusive requests — charges every CPU on each selected node regardless
// of task count.
func cpuRuns(taskNode, chosen []int, req Request, nodesByIndex map[int]NodeView) []model.CPURun {
	perNode := make(map[int]int, len(chosen))
	for _, idx := range chosen {
		perNode[idx] = 0
	}
	if req.Exclusive {
		for _, idx := range chosen {
			perNode[idx] = nodesByIndex[idx].TotalCores
		}
	} else {
		cores := req.CoresPerTask
		if cores <= 0 {
			cores = 1
		}
		for _, n := range taskNode {
			perNode[n] += cores
		}
	}

	var runs []model.CPURun
	for _, idx := range chosen {
		c := perNode[idx]
		if len(runs) > 0 && runs[len(runs)-1].Count == c {
			runs[len(runs)-1].Reps++
		} else {
			runs = append(runs, model.CPURun{Count: c, Reps: 1})
		}
	}
	return runs
}
