// Package timer implements an ordered set of deadline-triggered callbacks,
// grounded on eventloop/loop.go's container/heap timerHeap, generalized
// with cancellation, recurrence, and weak-pointer condition timers.
package timer

import (
	"container/heap"
	"sync"
	"time"
	"weak"

	"github.com/caolib/cocao/internal/logx"
)

// Timer is a single scheduled callback.
type Timer struct {
	mgr *Manager

	seq     uint64
	when    time.Time
	period  time.Duration // 0 = one-shot
	cb      func()
	cond    weak.Pointer[any]
	hasCond bool

	index int // heap index, maintained by timerHeap
}

// Cancel removes the timer from its manager and clears its callback, so a
// fire that races with cancellation is a safe no-op. Returns false if the timer already fired or was cancelled.
func (t *Timer) Cancel() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	if t.index >= 0 {
		heap.Remove(&t.mgr.heap, t.index)
	}
	return true
}

// Refresh re-sets the firing time to now+period. Only legal for recurring
// timers.
func (t *Timer) Refresh() {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.period <= 0 || t.cb == nil {
		return
	}
	t.mgr.removeLocked(t)
	t.when = t.mgr.now().Add(t.period)
	t.mgr.insertLocked(t)
}

// Reset re-inserts the timer with a new delay. If fromNow is true, the new
// firing time is anchored to the current time rather than the timer's
// original firing time.
func (t *Timer) Reset(newDelay time.Duration, fromNow bool) {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil {
		return
	}
	t.mgr.removeLocked(t)
	base := t.when
	if fromNow {
		base = t.mgr.now()
	}
	t.when = base.Add(newDelay)
	t.mgr.insertLocked(t)
}

// Manager is an ordered set of Timers sorted by (firing-time, insertion
// sequence), guarded by a read/write lock.
type Manager struct {
	mu   sync.RWMutex
	heap timerHeap
	seq  uint64

	// nowFn is overridable for tests and defaults to time.Now.
	nowFn func() time.Time

	// onInsertedAtFront is invoked (outside the lock) whenever a new timer
	// becomes the earliest pending deadline. IOManager hooks this to
	// unblock its demultiplexer wait.
	onInsertedAtFront func()

	// rollbackDetected flags a backwards clock jump > 1 hour was observed.
	rollbackDetected bool
	lastObservedNow  time.Time
}

// New constructs an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		heap:  make(timerHeap, 0),
		nowFn: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(m)
		}
	}
	return m
}

// SetOnInsertedAtFront installs the protected hook IOManager uses to wake
// its idle routine when a new earliest deadline is inserted.
func (m *Manager) SetOnInsertedAtFront(fn func()) { m.onInsertedAtFront = fn }

func (m *Manager) now() time.Time { return m.nowFn() }

// AddTimer inserts a new timer firing at now+delay.
func (m *Manager) AddTimer(delay time.Duration, cb func(), recurring bool) *Timer {
	return m.addTimer(delay, cb, recurring, weak.Pointer[any]{}, false)
}

// AddConditionTimer is the same as AddTimer, except at firing time
// weakCond is upgraded to a strong reference; if the upgrade fails (owner
// already collected), the timer fires as a no-op.
func (m *Manager) AddConditionTimer(delay time.Duration, cb func(), weakCond weak.Pointer[any], recurring bool) *Timer {
	return m.addTimer(delay, cb, recurring, weakCond, true)
}

func (m *Manager) addTimer(delay time.Duration, cb func(), recurring bool, cond weak.Pointer[any], hasCond bool) *Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	period := time.Duration(0)
	if recurring {
		period = delay
	}
	t := &Timer{
		mgr:     m,
		seq:     m.nextSeq(),
		when:    m.now().Add(delay),
		period:  period,
		cb:      cb,
		cond:    cond,
		hasCond: hasCond,
		index:   -1,
	}
	front := m.insertLocked(t)
	if front && m.onInsertedAtFront != nil {
		fn := m.onInsertedAtFront
		go fn()
	}
	return t
}

func (m *Manager) nextSeq() uint64 {
	m.seq++
	return m.seq
}

// insertLocked pushes t onto the heap and reports whether it became the
// new earliest deadline. Caller holds m.mu.
func (m *Manager) insertLocked(t *Timer) bool {
	wasEmpty := m.heap.Len() == 0
	var prevFront time.Time
	if !wasEmpty {
		prevFront = m.heap[0].when
	}
	heap.Push(&m.heap, t)
	if wasEmpty {
		return true
	}
	return t.when.Before(prevFront)
}

func (m *Manager) removeLocked(t *Timer) {
	if t.index >= 0 {
		heap.Remove(&m.heap, t.index)
	}
}

// ListExpired moves the callbacks of every timer with firing-time <= now
// into the returned slice; recurring timers are reinserted at
// fire+period. If the clock appears to have jumped backwards by more than
// an hour since the last observation, every pending timer is treated as
// expired.
func (m *Manager) ListExpired() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rollback := !m.lastObservedNow.IsZero() && now.Before(m.lastObservedNow.Add(-time.Hour))
	m.lastObservedNow = now
	if rollback {
		m.rollbackDetected = true
		logx.Warn("timer: clock rollback detected, expiring all pending timers")
	}

	var out []func()
	var recurring []*Timer
	for m.heap.Len() > 0 {
		t := m.heap[0]
		if !rollback && t.when.After(now) {
			break
		}
		heap.Pop(&m.heap)
		if t.cb == nil {
			continue
		}
		cb := t.cb
		if t.period <= 0 {
			t.cb = nil
		}
		if t.hasCond {
			strong := t.cond.Value()
			if strong == nil {
				continue
			}
		}
		out = append(out, cb)
		if t.period > 0 {
			t.when = t.when.Add(t.period)
			recurring = append(recurring, t)
		}
	}
	for _, t := range recurring {
		t.index = -1
		heap.Push(&m.heap, t)
	}
	return out
}

// GetNextTimer returns the delay until the earliest pending timer, or -1
// if there is none.
func (m *Manager) GetNextTimer() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.heap.Len() == 0 {
		return -1
	}
	d := m.heap[0].when.Sub(m.now())
	if d < 0 {
		d = 0
	}
	return d
}

// HasTimer reports whether any timer is pending.
func (m *Manager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heap.Len() > 0
}

// RollbackDetected reports whether ListExpired has ever observed the
// clock jump backwards by more than an hour.
func (m *Manager) RollbackDetected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rollbackDetected
}
