// Package assoc maintains the Association nested-set tree (lft/rgt bounds
// per cluster) and the QOS table, including preemption-loop guarding before
// any QOS preemption-bitset modification is committed.
package assoc

import (
	"fmt"
	"time"

	"github.com/cuemby/warrenctld/internal/ctlerrors"
	"github.com/cuemby/warrenctld/internal/model"
	"github.com/cuemby/warrenctld/internal/topology"
)

// Tree holds one cluster's Association nested-set tree plus the QOS table
// shared across clusters.
type Tree struct {
	byID    map[uint64]*model.Association
	nextID  uint64
	qos     map[uint64]*model.QOS
	nextQOS uint64
}

func NewTree() *Tree {
	return &Tree{
		byID: map[uint64]*model.Association{},
		qos:  map[uint64]*model.QOS{},
	}
}

// Root creates the root association for a cluster: user="", acct="root".
func (t *Tree) Root(cluster string) *model.Association {
	t.nextID++
	a := &model.Association{
		ID:      t.nextID,
		Cluster: cluster,
		Account: "root",
		Lft:     1,
		Rgt:     2,
	}
	t.byID[a.ID] = a
	return a
}

// Insert adds a child association under parentID, per the standard
// nested-set insertion algorithm: every lft/rgt ≥ the parent's rgt is
// shifted right by 2 to open a gap for the new node.
func (t *Tree) Insert(parentID uint64, account, user, partition string) (*model.Association, error) {
	parent, ok := t.byID[parentID]
	if !ok {
		return nil, fmt.Errorf("assoc: unknown parent id %d", parentID)
	}
	insertAt := parent.Rgt
	for _, a := range t.byID {
		if a.Lft >= insertAt {
			a.Lft += 2
		}
		if a.Rgt >= insertAt {
			a.Rgt += 2
		}
	}
	t.nextID++
	child := &model.Association{
		ID:        t.nextID,
		Cluster:   parent.Cluster,
		Account:   account,
		User:      user,
		Partition: partition,
		ParentID:  parentID,
		Lft:       insertAt,
		Rgt:       insertAt + 1,
	}
	t.byID[child.ID] = child
	return child, nil
}

func (t *Tree) Get(id uint64) (*model.Association, bool) {
	a, ok := t.byID[id]
	return a, ok
}

// Subtree returns every association nested inside (or equal to) root,
// computed in one scan via the nested-set interval containment test.
func (t *Tree) Subtree(rootID uint64) ([]*model.Association, error) {
	root, ok := t.byID[rootID]
	if !ok {
		return nil, fmt.Errorf("assoc: unknown id %d", rootID)
	}
	var out []*model.Association
	for _, a := range t.byID {
		if a.Lft >= root.Lft && a.Rgt <= root.Rgt {
			out = append(out, a)
		}
	}
	return out, nil
}

// CheckInvariant verifies that for every pair of associations, their
// intervals are either disjoint or nested — the universal invariant from
// the testable-properties list.
func (t *Tree) CheckInvariant() error {
	for _, a := range t.byID {
		for _, b := range t.byID {
			if a.ID == b.ID {
				continue
			}
			disjoint := a.Rgt < b.Lft || b.Rgt < a.Lft
			aInB := b.Lft < a.Lft && a.Rgt < b.Rgt
			bInA := a.Lft < b.Lft && b.Rgt < a.Rgt
			if !disjoint && !aInB && !bInA {
				return fmt.Errorf("assoc: intervals for %d [%d,%d] and %d [%d,%d] neither disjoint nor nested",
					a.ID, a.Lft, a.Rgt, b.ID, b.Lft, b.Rgt)
			}
		}
	}
	return nil
}

// AddQOS registers a new QOS class.
func (t *Tree) AddQOS(q *model.QOS) uint64 {
	t.nextQOS++
	q.ID = t.nextQOS
	t.qos[q.ID] = q
	return q.ID
}

func (t *Tree) GetQOS(id uint64) (*model.QOS, bool) {
	q, ok := t.qos[id]
	return q, ok
}

// AllAssociations returns every association, for snapshotting.
func (t *Tree) AllAssociations() []*model.Association {
	out := make([]*model.Association, 0, len(t.byID))
	for _, a := range t.byID {
		out = append(out, a)
	}
	return out
}

// AllQOS returns every QOS class, for snapshotting.
func (t *Tree) AllQOS() []*model.QOS {
	out := make([]*model.QOS, 0, len(t.qos))
	for _, q := range t.qos {
		out = append(out, q)
	}
	return out
}

// RestoreAssociation reinserts an association at its exact stored id,
// advancing the id cursor past it. Used only by Raft snapshot restore.
func (t *Tree) RestoreAssociation(a *model.Association) {
	t.byID[a.ID] = a
	if a.ID >= t.nextID {
		t.nextID = a.ID
	}
}

// RestoreQOS reinserts a QOS class at its exact stored id. Used only by
// Raft snapshot restore.
func (t *Tree) RestoreQOS(q *model.QOS) {
	t.qos[q.ID] = q
	if q.ID >= t.nextQOS {
		t.nextQOS = q.ID
	}
}

func (t *Tree) preemptBitsets() map[uint64]uint64 {
	out := make(map[uint64]uint64, len(t.qos))
	for id, q := range t.qos {
		out[id] = q.PreemptBitset
	}
	return out
}

// ModifyQOSPreempt attempts to grant qosID preemption rights over
// newPreemptees. Rejected with QOS_PREEMPTION_LOOP (and no mutation) if the
// transitive closure would create a cycle back to qosID.
func (t *Tree) ModifyQOSPreempt(alloc topology.Allocator, qosID uint64, newPreemptees []uint64) error {
	q, ok := t.qos[qosID]
	if !ok {
		return fmt.Errorf("assoc: unknown qos id %d", qosID)
	}
	if alloc.WouldIntroducePreemptionLoop(qosID, newPreemptees, t.preemptBitsets()) {
		return ctlerrors.New(ctlerrors.CodeQOSPreemptionLoop)
	}
	bits := q.PreemptBitset
	for _, p := range newPreemptees {
		bits |= 1 << p
	}
	q.PreemptBitset = bits
	q.ModTime = time.Now()
	return nil
}
