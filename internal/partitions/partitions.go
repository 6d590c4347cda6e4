// Package partitions owns the partition table: membership bitmap
// maintenance, the exactly-one-default invariant, and diff-style updates
// using the sentinel "no change"/"clear" convention described for job and
// partition modify RPCs.
package partitions

import (
	"fmt"

	"github.com/cuemby/warrenctld/internal/bitmap"
	"github.com/cuemby/warrenctld/internal/model"
)

// Table holds every Partition plus the NameIndex shared with internal/nodes,
// needed to expand each partition's Nodes hostlist into node_bitmap.
type Table struct {
	ni         *bitmap.NameIndex
	partitions map[string]*model.Partition
	bitmaps    map[string]*bitmap.Bitmap // partition name -> node_bitmap
	order      []string
}

func NewTable(ni *bitmap.NameIndex) *Table {
	return &Table{
		ni:         ni,
		partitions: map[string]*model.Partition{},
		bitmaps:    map[string]*bitmap.Bitmap{},
	}
}

// Add registers a new Partition, expanding its Nodes hostlist into
// node_bitmap and validating the exactly-one-default invariant.
func (t *Table) Add(p *model.Partition) error {
	if _, exists := t.partitions[p.Name]; exists {
		return fmt.Errorf("partitions: %q already exists", p.Name)
	}
	bm, err := bitmap.Parse(p.Nodes, t.ni)
	if err != nil {
		return fmt.Errorf("partitions: expand Nodes for %q: %w", p.Name, err)
	}
	if p.Default {
		for _, other := range t.partitions {
			if other.Default {
				return fmt.Errorf("partitions: %q and %q both Default=YES", p.Name, other.Name)
			}
		}
	}
	p.Index = len(t.order)
	t.partitions[p.Name] = p
	t.bitmaps[p.Name] = bm
	t.order = append(t.order, p.Name)
	return nil
}

func (t *Table) Get(name string) (*model.Partition, bool) {
	p, ok := t.partitions[name]
	return p, ok
}

// GetByIndex looks up a partition by its assigned dense index, used by the
// scheduler when it only has a Job's PartitionIndex on hand.
func (t *Table) GetByIndex(idx int) (*model.Partition, bool) {
	if idx < 0 || idx >= len(t.order) {
		return nil, false
	}
	return t.partitions[t.order[idx]], true
}

func (t *Table) NodeBitmap(name string) (*bitmap.Bitmap, bool) {
	bm, ok := t.bitmaps[name]
	return bm, ok
}

func (t *Table) Default() (*model.Partition, bool) {
	for _, p := range t.partitions {
		if p.Default {
			return p, true
		}
	}
	return nil, false
}

func (t *Table) All() []*model.Partition {
	out := make([]*model.Partition, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.partitions[name])
	}
	return out
}

// NoChangeU32 is the wire "don't touch" sentinel for numeric fields. Update
// does not inspect it (it uses the Optional* wrapper types below); it is
// exported for RPC-boundary decoding.
const NoChangeU32 = ^uint32(0)

// OptionalUint32 mirrors the wire sentinel convention (max-unsigned means
// "don't touch") as a typed optional, so in-process callers never need to
// reason about the sentinel value directly.
type OptionalUint32 struct {
	Set   bool
	Value uint32
}

// OptionalString mirrors the wire sentinel convention (empty string means
// "clear"; absent means "don't touch").
type OptionalString struct {
	Set   bool
	Clear bool
	Value string
}

// Update is a diff-style partition modification. Fields left as their zero
// Optional (Set == false) are left untouched.
type Update struct {
	Nodes       OptionalString
	MaxTime     OptionalUint32
	MaxNodes    OptionalUint32
	MaxCPUs     OptionalUint32
	Default     *bool
	Shared      *model.SharedPolicy
	StateUp     *bool
	AllowGroups *[]string
}

// Apply applies an Update to the named partition. Changing Nodes triggers a
// full bitmap rebuild; the caller is responsible for reattaching the
// partition pointer on every node gained or lost (internal/nodes.Release /
// re-registration of PartitionIndex), since that crosses into the nodes
// table and requires the nodes lock too.
func (t *Table) Apply(name string, u Update) (gained, lost *bitmap.Bitmap, err error) {
	p, ok := t.partitions[name]
	if !ok {
		return nil, nil, fmt.Errorf("partitions: unknown partition %q", name)
	}

	if u.Default != nil && *u.Default {
		for other, op := range t.partitions {
			if other != name && op.Default {
				return nil, nil, fmt.Errorf("partitions: %q already default", other)
			}
		}
	}

	if u.Nodes.Set {
		oldBM := t.bitmaps[name]
		var newBM *bitmap.Bitmap
		if u.Nodes.Clear || u.Nodes.Value == "" {
			newBM = bitmap.New(t.ni.Len())
		} else {
			newBM, err = bitmap.Parse(u.Nodes.Value, t.ni)
			if err != nil {
				return nil, nil, fmt.Errorf("partitions: expand Nodes: %w", err)
			}
		}
		gained = newBM.Copy().AndNot(oldBM)
		lost = oldBM.Copy().AndNot(newBM)
		t.bitmaps[name] = newBM
		p.Nodes = u.Nodes.Value
		p.NodeBitmapGen++
	}
	if u.MaxTime.Set {
		p.MaxTime = int(u.MaxTime.Value)
	}
	if u.MaxNodes.Set {
		p.MaxNodes = int(u.MaxNodes.Value)
	}
	if u.MaxCPUs.Set {
		p.MaxCPUs = int(u.MaxCPUs.Value)
	}
	if u.Default != nil {
		if *u.Default {
			for _, op := range t.partitions {
				op.Default = false
			}
		}
		p.Default = *u.Default
	}
	if u.Shared != nil {
		p.Shared = *u.Shared
	}
	if u.StateUp != nil {
		p.StateUp = *u.StateUp
	}
	if u.AllowGroups != nil {
		p.AllowGroups = *u.AllowGroups
	}
	return gained, lost, nil
}
