// Package nodes owns the node and config tables: dense-index assignment at
// config load, the node lifecycle state machine, and the up_nodes bitmap
// maintained as nodes register and fail. Callers must hold the
// internal/locks Nodes (and, for config changes, Configs) lock before
// calling any method here.
package nodes

import (
	"fmt"
	"time"

	"github.com/cuemby/warrenctld/internal/bitmap"
	"github.com/cuemby/warrenctld/internal/ctlerrors"
	"github.com/cuemby/warrenctld/internal/model"
)

// Table holds the live node/config state plus the derived up_nodes bitmap.
type Table struct {
	ni       *bitmap.NameIndex
	nodes    []*model.Node   // indexed by Node.Index
	configs  []*model.Config // indexed by Config.Index
	upNodes  *bitmap.Bitmap
}

// NewTable builds a Table over the dense name index assigned at config
// load; names is every NodeName expansion in declaration order.
func NewTable(names []string) *Table {
	ni := bitmap.NewNameIndex(names, 10)
	return &Table{
		ni:      ni,
		nodes:   make([]*model.Node, len(names)),
		upNodes: bitmap.New(len(names)),
	}
}

func (t *Table) NameIndex() *bitmap.NameIndex { return t.ni }

// AddConfig registers a Config record and returns its assigned index.
func (t *Table) AddConfig(c *model.Config) int {
	c.Index = len(t.configs)
	t.configs = append(t.configs, c)
	return c.Index
}

// InitNode places a freshly config-loaded Node (state UNKNOWN) at its dense
// index.
func (t *Table) InitNode(n *model.Node) error {
	idx, ok := t.ni.IndexOf(n.Name)
	if !ok {
		return fmt.Errorf("nodes: %q not present in name index", n.Name)
	}
	n.Index = idx
	n.State = model.NodeUnknown
	n.PartitionIndex = -1
	t.nodes[idx] = n
	return nil
}

func (t *Table) Get(name string) (*model.Node, bool) {
	idx, ok := t.ni.IndexOf(name)
	if !ok {
		return nil, false
	}
	return t.nodes[idx], t.nodes[idx] != nil
}

func (t *Table) GetByIndex(idx int) (*model.Node, bool) {
	if idx < 0 || idx >= len(t.nodes) {
		return nil, false
	}
	return t.nodes[idx], t.nodes[idx] != nil
}

// Config returns the Config a node's ConfigIndex refers to, used by the
// scheduler to read per-node Weight/Feature without exposing the configs
// slice itself.
func (t *Table) Config(idx int) (*model.Config, bool) {
	if idx < 0 || idx >= len(t.configs) {
		return nil, false
	}
	return t.configs[idx], true
}

// RestoreNode places a snapshotted node back at its index, bypassing the
// lifecycle transitions InitNode enforces. Used only by Raft snapshot
// restore, where the node arrives with its already-reconciled state.
func (t *Table) RestoreNode(n *model.Node) error {
	idx, ok := t.ni.IndexOf(n.Name)
	if !ok {
		return fmt.Errorf("nodes: %q not present in name index", n.Name)
	}
	n.Index = idx
	t.nodes[idx] = n
	t.syncUpNodes(n)
	return nil
}

func (t *Table) All() []*model.Node {
	out := make([]*model.Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

// UpNodes returns the bitmap of nodes not in state DOWN (the health and
// registration agents keep it current).
func (t *Table) UpNodes() *bitmap.Bitmap { return t.upNodes.Copy() }

func (t *Table) syncUpNodes(n *model.Node) {
	if n.State == model.NodeDown {
		t.upNodes.Clear(n.Index)
	} else {
		t.upNodes.Set(n.Index)
	}
}

// Register applies a node-registration RPC: reported resources are compared
// against the node's Config, and the node transitions to IDLE (or DOWN on a
// fast_schedule mismatch).
func (t *Table) Register(name string, reportedCPUs, reportedMem, reportedTmpDisk int, fastSchedule int, now time.Time) error {
	n, ok := t.Get(name)
	if !ok {
		return fmt.Errorf("nodes: unknown node %q", name)
	}
	cfg := t.configs[n.ConfigIndex]

	undersized := reportedCPUs < cfg.CPUs || reportedMem < cfg.RealMemory || reportedTmpDisk < cfg.TmpDisk
	if undersized && fastSchedule == 1 {
		n.State = model.NodeDown
		n.Reason = fmt.Sprintf("registration: reported (cpus=%d mem=%d tmp=%d) below configured (cpus=%d mem=%d tmp=%d)",
			reportedCPUs, reportedMem, reportedTmpDisk, cfg.CPUs, cfg.RealMemory, cfg.TmpDisk)
		t.syncUpNodes(n)
		return nil
	}

	switch n.State {
	case model.NodeUnknown, model.NodeDown:
		n.State = model.NodeIdle
	}
	n.CPUs = reportedCPUs
	n.RealMemory = reportedMem
	n.TmpDisk = reportedTmpDisk
	n.LastResponse = now
	n.NoRespond = false
	n.Reason = ""
	t.syncUpNodes(n)
	return nil
}

// Allocate transitions name from IDLE to BUSY. Only a node already IDLE may
// be allocated.
func (t *Table) Allocate(name string) error {
	n, ok := t.Get(name)
	if !ok {
		return fmt.Errorf("nodes: unknown node %q", name)
	}
	if n.State != model.NodeIdle {
		return ctlerrors.New(ctlerrors.CodeNodesBusy)
	}
	n.State = model.NodeBusy
	return nil
}

// Release transitions a node off an allocation: BUSY -> IDLE, or
// DRAINING -> DRAINED if an admin drain was pending.
func (t *Table) Release(name string) error {
	n, ok := t.Get(name)
	if !ok {
		return fmt.Errorf("nodes: unknown node %q", name)
	}
	switch n.State {
	case model.NodeBusy:
		n.State = model.NodeIdle
	case model.NodeDraining:
		n.State = model.NodeDrained
	}
	return nil
}

// AdminDrain marks a node for removal from scheduling once its current
// allocation (if any) completes.
func (t *Table) AdminDrain(name string) error {
	n, ok := t.Get(name)
	if !ok {
		return fmt.Errorf("nodes: unknown node %q", name)
	}
	switch n.State {
	case model.NodeIdle:
		n.State = model.NodeDrained
	case model.NodeBusy:
		n.State = model.NodeDraining
	}
	return nil
}

// AdminDown forcibly marks a node DOWN regardless of current state, used for
// operator intervention; the health agent uses MarkNoRespond instead.
func (t *Table) AdminDown(name, reason string, reasonUID int) error {
	n, ok := t.Get(name)
	if !ok {
		return fmt.Errorf("nodes: unknown node %q", name)
	}
	n.State = model.NodeDown
	n.Reason = reason
	n.ReasonUID = reasonUID
	t.syncUpNodes(n)
	return nil
}

// MarkNoRespond sets the orthogonal NO_RESPOND bit; called by the health
// agent once SlurmdTimeout expires without a fresh registration, and
// cleared by it when the node reports again.
func (t *Table) MarkNoRespond(name string, set bool) error {
	n, ok := t.Get(name)
	if !ok {
		return fmt.Errorf("nodes: unknown node %q", name)
	}
	n.NoRespond = set
	return nil
}
