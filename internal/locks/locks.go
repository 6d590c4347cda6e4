// Package locks implements the controller's six-table lock manager: one
// reader-writer lock each for jobs, nodes, partitions, configs, associations,
// and usage, acquired in a fixed global order to prevent deadlock. Handlers
// and agents declare the set of locks they need as a single LockSet and
// acquire them through Acquire, which returns a Guard releasing in reverse
// order.
package locks

import (
	"fmt"
	"sync"
)

// LockSet is a bitmask over the six named tables.
type LockSet uint8

const (
	Jobs LockSet = 1 << iota
	Nodes
	Partitions
	Configs
	Associations
	Usage
)

// rank fixes the global acquisition order: jobs, nodes, partitions, configs,
// associations, usage. Any caller declaring more than one lock must acquire
// them in this order to avoid the classic cross-table deadlock.
var rank = []LockSet{Jobs, Nodes, Partitions, Configs, Associations, Usage}

func (s LockSet) has(bit LockSet) bool { return s&bit != 0 }

func (s LockSet) String() string {
	names := map[LockSet]string{
		Jobs: "jobs", Nodes: "nodes", Partitions: "partitions",
		Configs: "configs", Associations: "associations", Usage: "usage",
	}
	out := ""
	for _, bit := range rank {
		if s.has(bit) {
			if out != "" {
				out += "|"
			}
			out += names[bit]
		}
	}
	return out
}

// Mode distinguishes read acquisition from write acquisition; a LockSet does
// not mix modes — callers that may mutate any table in the set must acquire
// the whole set for write. Upgrading read to write mid-handler is forbidden.
type Mode int

const (
	Read Mode = iota
	Write
)

// Manager owns the six named RWMutexes and hands out Guards.
type Manager struct {
	mu [6]sync.RWMutex
}

func New() *Manager { return &Manager{} }

func (m *Manager) mutexFor(bit LockSet) *sync.RWMutex {
	for i, b := range rank {
		if b == bit {
			return &m.mu[i]
		}
	}
	panic(fmt.Sprintf("locks: unknown bit %v", bit))
}

// Guard is a scoped, ordered acquisition of a LockSet. Release unwinds it in
// reverse rank order. A held Guard must never outlive the handler or agent
// iteration that acquired it; under the "lockdebug" build tag,
// AssertNoneHeld panics when called while any Guard is still unreleased
// (in other builds it is a no-op).
type Guard struct {
	set     LockSet
	mode    Mode
	m       *Manager
	held    []LockSet
	release bool
}

// Acquire takes every lock named in set, in fixed rank order, under the
// given mode, and returns a Guard whose Release call reverses the order.
func (m *Manager) Acquire(set LockSet, mode Mode) *Guard {
	g := &Guard{set: set, mode: mode, m: m}
	for _, bit := range rank {
		if !set.has(bit) {
			continue
		}
		mu := m.mutexFor(bit)
		if mode == Write {
			mu.Lock()
		} else {
			mu.RLock()
		}
		g.held = append(g.held, bit)
	}
	trackGuard(g)
	return g
}

// Release unlocks every held mutex in reverse acquisition order. Calling
// Release twice is a programming error and panics, matching the "exiting a
// handler with a lock still held is a fatal bug" invariant by making the
// opposite mistake (double release) equally loud.
func (g *Guard) Release() {
	if g.release {
		panic("locks: guard released twice")
	}
	g.release = true
	for i := len(g.held) - 1; i >= 0; i-- {
		mu := g.m.mutexFor(g.held[i])
		if g.mode == Write {
			mu.Unlock()
		} else {
			mu.RUnlock()
		}
	}
	untrackGuard(g)
}

// Set reports the LockSet this guard holds, for assertions in callees that
// must confirm a required lock is already held by the caller.
func (g *Guard) Set() LockSet { return g.set }

// Held reports whether the guard covers bit, for "never call into X without
// holding Y" assertions deeper in the call stack.
func (g *Guard) Held(bit LockSet) bool { return g.set.has(bit) }
