//go:build lockdebug

package locks

import (
	"fmt"
	"sync"
)

// Under the lockdebug build tag, every outstanding Guard is tracked so tests
// can assert none leaks past the end of a handler or agent iteration.
var (
	outstandingMu sync.Mutex
	outstanding   = map[*Guard]struct{}{}
)

func trackGuard(g *Guard) {
	outstandingMu.Lock()
	defer outstandingMu.Unlock()
	outstanding[g] = struct{}{}
}

func untrackGuard(g *Guard) {
	outstandingMu.Lock()
	defer outstandingMu.Unlock()
	delete(outstanding, g)
}

// AssertNoneHeld panics if any tracked Guard has not been released. Nothing
// in the daemon calls it; callers invoke it explicitly.
func AssertNoneHeld() {
	outstandingMu.Lock()
	defer outstandingMu.Unlock()
	if len(outstanding) > 0 {
		panic(fmt.Sprintf("locks: %d guard(s) held past handler return", len(outstanding)))
	}
}
