// Package topology implements the pluggable interconnect-topology
// allocator: allocate/split/free over base-partition indices, plus
// preemption-loop detection over QOS preemption bitsets. A grid reference
// implementation models the machine as a d-dimensional mesh or torus,
// treating its coordinates as opaque parameters carried on Job and Step.
package topology

import (
	"fmt"

	"github.com/cuemby/warrenctld/internal/bitmap"
)

// ConnType names the interconnect wiring style of a grid dimension.
type ConnType int

const (
	ConnMesh ConnType = iota
	ConnTorus
	ConnNav
	ConnSmall
)

// NodeUse names how a base partition's compute nodes are consumed.
type NodeUse int

const (
	UseShared NodeUse = iota
	UseCoprocessor
	UseVirtual
)

// Block is an allocated sub-block: a contiguous set of base-partition
// indices plus the opaque parameters the controller carries without
// interpreting.
type Block struct {
	BasePartitions []int
	Conn           ConnType
	Use            NodeUse
}

// Request describes what the allocator should try to wire.
type Request struct {
	Candidates *bitmap.Bitmap
	MinNodes   int
	MaxNodes   int // 0 = unbounded
	Conn       ConnType
	Use        NodeUse
}

// Allocator is the pluggable interface the selector and step-create path
// delegate to. Implementations may represent the machine as a
// d-dimensional grid; the controller never inspects a Block's internals.
type Allocator interface {
	Allocate(req Request) (*Block, bool)
	Split(existing *Block, sub Request) ([]*Block, bool)
	Free(b *Block)
	WouldIntroducePreemptionLoop(qosID uint64, newPreemptees []uint64, preemptBitset map[uint64]uint64) bool
}

// Grid is the reference d-dimensional implementation: base partitions are
// numbered densely in row-major order over Dims, and Allocate returns the
// first contiguous run (in that numbering) satisfying the request — a
// reasonable stand-in for true sub-block wiring, since the controller
// treats the result as opaque regardless.
type Grid struct {
	Dims []int // size of each dimension
	conn ConnType
	use  NodeUse

	allocated map[int]bool
}

func NewGrid(dims []int, conn ConnType, use NodeUse) *Grid {
	return &Grid{Dims: dims, conn: conn, use: use, allocated: map[int]bool{}}
}

func (g *Grid) size() int {
	n := 1
	for _, d := range g.Dims {
		n *= d
	}
	return n
}

func (g *Grid) Allocate(req Request) (*Block, bool) {
	idx := req.Candidates.Indices()
	want := req.MinNodes
	if want <= 0 {
		want = 1
	}
	run := make([]int, 0, want)
	for _, i := range idx {
		if g.allocated[i] {
			run = nil
			continue
		}
		if len(run) > 0 && i != run[len(run)-1]+1 {
			run = nil
		}
		run = append(run, i)
		if len(run) == want {
			break
		}
	}
	if len(run) < want {
		return nil, false
	}
	if req.MaxNodes > 0 && len(run) > req.MaxNodes {
		run = run[:req.MaxNodes]
	}
	for _, i := range run {
		g.allocated[i] = true
	}
	return &Block{BasePartitions: run, Conn: req.Conn, Use: req.Use}, true
}

// Split carves a sub-block out of an already-allocated block for a step
// request narrower than the job's full allocation.
func (g *Grid) Split(existing *Block, sub Request) ([]*Block, bool) {
	want := sub.MinNodes
	if want <= 0 || want > len(existing.BasePartitions) {
		return nil, false
	}
	return []*Block{{
		BasePartitions: append([]int{}, existing.BasePartitions[:want]...),
		Conn:           existing.Conn,
		Use:            existing.Use,
	}}, true
}

func (g *Grid) Free(b *Block) {
	for _, i := range b.BasePartitions {
		delete(g.allocated, i)
	}
}

// WouldIntroducePreemptionLoop runs a DFS over the preemption relation
// (QOS id -> bitset of QOS ids it may preempt) starting from every
// candidate newPreemptee, looking for a path back to qosID. A positive
// finding means granting qosID preemption rights over newPreemptees would
// create a cycle.
func (g *Grid) WouldIntroducePreemptionLoop(qosID uint64, newPreemptees []uint64, preemptBitset map[uint64]uint64) bool {
	visited := map[uint64]bool{}
	var dfs func(node uint64) bool
	dfs = func(node uint64) bool {
		if node == qosID {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		bits := preemptBitset[node]
		for target := uint64(0); bits != 0; target++ {
			if bits&1 != 0 {
				if dfs(target) {
					return true
				}
			}
			bits >>= 1
		}
		return false
	}
	for _, p := range newPreemptees {
		if dfs(p) {
			return true
		}
	}
	return false
}

// SelectorAdapter narrows Allocator down to the single-method shape
// internal/selector.Topology expects, so the selector stays agnostic to the
// richer split/free/preemption surface.
type SelectorAdapter struct {
	Alloc Allocator
	Conn  ConnType
	Use   NodeUse
}

func (a SelectorAdapter) Allocate(candidates *bitmap.Bitmap, minNodes, maxNodes int) (*bitmap.Bitmap, bool) {
	block, ok := a.Alloc.Allocate(Request{
		Candidates: candidates,
		MinNodes:   minNodes,
		MaxNodes:   maxNodes,
		Conn:       a.Conn,
		Use:        a.Use,
	})
	if !ok {
		return nil, false
	}
	bm := bitmap.New(candidates.Size())
	for _, i := range block.BasePartitions {
		bm.Set(i)
	}
	return bm, true
}

var _ fmt.Stringer = ConnType(0)

func (c ConnType) String() string {
	switch c {
	case ConnMesh:
		return "mesh"
	case ConnTorus:
		return "torus"
	case ConnNav:
		return "nav"
	case ConnSmall:
		return "small"
	default:
		return "unknown"
	}
}
