package iomgr

import (
	"sync"

	"github.com/caolib/cocao/fiber"
)

// EventContext binds one armed interest bit to the thing that should run
// when it fires: either the fiber that's about to yield, or an explicit
// callback.
type EventContext struct {
	fiber    *fiber.Fiber
	callback func()
}

func (ec *EventContext) empty() bool {
	return ec.fiber == nil && ec.callback == nil
}

// FdContext is the per-fd state IOManager's demultiplexer registration is
// derived from.
type FdContext struct {
	mu       sync.Mutex
	fd       int
	interest Direction
	read     EventContext
	write    EventContext
}

func (c *FdContext) slot(d Direction) *EventContext {
	if d == Read {
		return &c.read
	}
	return &c.write
}

// fdContextTable is IOManager's dynamic, amortized-growth vector of
// FdContext, indexed directly by fd.
type fdContextTable struct {
	mu    sync.RWMutex
	slots []*FdContext
}

// fdVectorGrowthFactor is grounded on libcocao's IOManager::contextResize,
// which grows its fd-indexed vector by 1.5x rather than doubling, to keep
// per-fd memory overhead down on processes with very large fd tables.
const fdVectorGrowthFactor = 1.5

func newFdContextTable() *fdContextTable {
	return &fdContextTable{slots: make([]*FdContext, 64)}
}

// ensure returns the FdContext for fd, growing the table if necessary.
func (t *fdContextTable) ensure(fd int) *FdContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= len(t.slots) {
		newCap := len(t.slots)
		for newCap <= fd {
			newCap = int(float64(newCap)*fdVectorGrowthFactor) + 1
		}
		grown := make([]*FdContext, newCap)
		copy(grown, t.slots)
		t.slots = grown
	}
	if t.slots[fd] == nil {
		t.slots[fd] = &FdContext{fd: fd}
	}
	return t.slots[fd]
}

// get returns the FdContext for fd if it has been allocated, without
// growing the table.
func (t *fdContextTable) get(fd int) *FdContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if fd < 0 || fd >= len(t.slots) {
		return nil
	}
	return t.slots[fd]
}

func (t *fdContextTable) drop(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= 0 && fd < len(t.slots) {
		t.slots[fd] = nil
	}
}
