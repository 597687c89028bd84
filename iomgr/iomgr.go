//go:build linux

package iomgr

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/caolib/cocao/fiber"
	"github.com/caolib/cocao/internal/assert"
	"github.com/caolib/cocao/internal/logx"
	"github.com/caolib/cocao/sched"
	"github.com/caolib/cocao/timer"
)

// floorWait caps the idle routine's wait timeout even when no timer is
// pending, so a long-idle worker still periodically reassesses stopping
// state.
const floorWait = 5 * time.Second

// Manager composes a Scheduler and a TimerManager with an edge-triggered
// epoll demultiplexer and a self-pipe wake channel.
type Manager struct {
	*sched.Scheduler
	timers *timer.Manager

	poller *poller
	fds    *fdContextTable

	pipeRead, pipeWrite int

	pending atomic.Int64 // total interest bits armed across all FdContexts
}

// New constructs an IOManager with workerCount worker goroutines, reusing
// the same construction parameters as a plain Scheduler.
func New(workerCount int, useCaller bool, name string, opts ...Option) (*Manager, error) {
	cfg := resolveOptions(opts)

	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	// Self-pipe with distinct read/write ends, used to wake a worker
	// blocked in the poller (see DESIGN.md for why this is a real pipe
	// rather than a single eventfd).
	fds, err := unix.Pipe2(unix.O_NONBLOCK | unix.O_CLOEXEC)
	if err != nil {
		_ = p.close()
		return nil, err
	}

	m := &Manager{
		Scheduler: sched.New(workerCount, useCaller, name, cfg.schedOpts...),
		timers:    timer.New(),
		poller:    p,
		fds:       newFdContextTable(),
		pipeRead:  fds[0],
		pipeWrite: fds[1],
	}

	if err := p.add(m.pipeRead, Read); err != nil {
		_ = p.close()
		_ = unix.Close(m.pipeRead)
		_ = unix.Close(m.pipeWrite)
		return nil, err
	}

	m.timers.SetOnInsertedAtFront(func() { m.wakeSelfPipe() })
	m.Scheduler.SetIdleFn(m.idle)
	m.Scheduler.SetStoppingFn(m.stoppingOverride)
	m.Scheduler.SetTickleFn(m.tickleOverride)

	return m, nil
}

// Timers exposes the composed TimerManager.
func (m *Manager) Timers() *timer.Manager { return m.timers }

// PendingEvents returns the total number of interest bits currently armed
// across all FdContexts.
func (m *Manager) PendingEvents() int64 { return m.pending.Load() }

// Close releases the epoll instance and self-pipe fds.
func (m *Manager) Close() error {
	_ = m.poller.close()
	_ = unix.Close(m.pipeRead)
	if m.pipeWrite != m.pipeRead {
		_ = unix.Close(m.pipeWrite)
	}
	return nil
}

// AddEvent arms event on fd, binding it either to an explicit callback or,
// if cb is nil, to the currently-running fiber.
func (m *Manager) AddEvent(fd int, event Direction, cb func()) error {
	assert.Invariant(fd >= 0 && (event == Read || event == Write), "iomgr: AddEvent requires fd >= 0 and event in {Read, Write}")

	ctx := m.fds.ensure(fd)
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	assert.Invariant(ctx.interest&event == 0, "iomgr: AddEvent called for an already-armed (fd, event) pair")

	op := m.poller.add
	if ctx.interest != 0 {
		op = m.poller.mod
	}
	newMask := ctx.interest | event
	if err := op(fd, newMask); err != nil {
		return err
	}

	slot := ctx.slot(event)
	if cb != nil {
		*slot = EventContext{callback: cb}
	} else {
		*slot = EventContext{fiber: fiber.GetThis()}
	}
	ctx.interest = newMask
	m.pending.Add(1)
	return nil
}

// DelEvent clears one interest bit without triggering its bound
// fiber/callback.
func (m *Manager) DelEvent(fd int, event Direction) bool {
	ctx := m.fds.get(fd)
	if ctx == nil {
		return false
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.interest&event == 0 {
		return false
	}
	m.clearLocked(ctx, fd, event)
	return true
}

// CancelEvent behaves like DelEvent but schedules the bound fiber/callback
// before returning, used to unblock a timed-out I/O wait.
func (m *Manager) CancelEvent(fd int, event Direction) bool {
	ctx := m.fds.get(fd)
	if ctx == nil {
		return false
	}
	ctx.mu.Lock()
	if ctx.interest&event == 0 {
		ctx.mu.Unlock()
		return false
	}
	slot := *ctx.slot(event)
	m.clearLocked(ctx, fd, event)
	ctx.mu.Unlock()

	m.trigger(slot)
	return true
}

// CancelAll triggers every armed event on fd and removes it from the
// demultiplexer entirely.
func (m *Manager) CancelAll(fd int) bool {
	ctx := m.fds.get(fd)
	if ctx == nil {
		return false
	}
	ctx.mu.Lock()
	var toTrigger []EventContext
	for _, d := range []Direction{Read, Write} {
		if ctx.interest&d != 0 {
			toTrigger = append(toTrigger, *ctx.slot(d))
		}
	}
	interest := ctx.interest
	ctx.interest = 0
	ctx.read, ctx.write = EventContext{}, EventContext{}
	ctx.mu.Unlock()

	if interest != 0 {
		_ = m.poller.del(fd)
		m.pending.Add(-int64(popcount(interest)))
		m.fds.drop(fd)
	}
	for _, ec := range toTrigger {
		m.trigger(ec)
	}
	return true
}

// clearLocked clears event's interest bit, rewrites the demultiplexer
// registration, and releases the EventContext. Caller holds ctx.mu.
func (m *Manager) clearLocked(ctx *FdContext, fd int, event Direction) {
	newMask := ctx.interest &^ event
	if newMask == 0 {
		_ = m.poller.del(fd)
		m.fds.drop(fd)
	} else {
		_ = m.poller.mod(fd, newMask)
	}
	*ctx.slot(event) = EventContext{}
	ctx.interest = newMask
	m.pending.Add(-1)
}

// trigger delivers an already-armed event's continuation. The fiber or
// callback bound to it was accepted before any Stop was requested, so
// delivery bypasses the stopping check: dropping it here would leak the
// waiting fiber's goroutine during drain.
func (m *Manager) trigger(ec EventContext) {
	if ec.empty() {
		return
	}
	if ec.fiber != nil {
		m.Scheduler.ScheduleContinuation(sched.ScheduleTask{Fiber: ec.fiber}, 0)
		return
	}
	m.Scheduler.ScheduleContinuation(sched.ScheduleTask{Callback: ec.callback}, 0)
}

func popcount(d Direction) int {
	n := 0
	for d != 0 {
		n += int(d & 1)
		d >>= 1
	}
	return n
}

// tickleOverride writes one byte to the self-pipe, skipped when no worker
// is idle to receive it (see DESIGN.md for the reasoning).
func (m *Manager) tickleOverride(s *sched.Scheduler) {
	if s.IdleWorkers() == 0 {
		return
	}
	m.wakeSelfPipe()
}

func (m *Manager) wakeSelfPipe() {
	_, err := unix.Write(m.pipeWrite, []byte{1})
	if err != nil && err != unix.EAGAIN {
		logx.Warn("iomgr: self-pipe write failed", logx.F("error", err))
	}
}

func (m *Manager) drainSelfPipe() {
	var buf [256]byte
	for {
		_, err := unix.Read(m.pipeRead, buf[:])
		if err != nil {
			return
		}
	}
}

// idle is the edge-triggered wait loop installed as the Scheduler's idle
// fiber body.
func (m *Manager) idle(s *sched.Scheduler) {
	// Pinned only once this goroutine is actually about to call epoll_wait,
	// not for every worker goroutine in the pool.
	runtime.LockOSThread()

	for {
		if s.IsStopping() {
			return
		}

		wait := m.timers.GetNextTimer()
		if wait < 0 || wait > floorWait {
			wait = floorWait
		}
		timeoutMs := int(wait / time.Millisecond)

		ready, err := m.poller.wait(timeoutMs)
		if err != nil {
			logx.Error("iomgr: epoll wait failed", logx.F("error", err))
			fiber.Yield()
			continue
		}

		for _, cb := range m.timers.ListExpired() {
			cb := cb
			m.Scheduler.ScheduleContinuation(sched.ScheduleTask{Callback: cb}, 0)
		}

		for _, r := range ready {
			if r.fd == m.pipeRead {
				m.drainSelfPipe()
				continue
			}
			m.dispatchReady(r)
		}

		fiber.Yield()
	}
}

// dispatchReady resolves one ready (fd, events) pair against its
// FdContext, rewrites the demultiplexer registration for whatever
// interest remains, and triggers every fired event.
func (m *Manager) dispatchReady(r readyFD) {
	ctx := m.fds.get(r.fd)
	if ctx == nil {
		return
	}

	ctx.mu.Lock()
	real := r.events & (Read | Write)
	if r.events&(errFlag|hupFlag) != 0 {
		real |= ctx.interest // ERR/HUP count as both directions armed
	}
	real &= ctx.interest

	var fired []EventContext
	for _, d := range []Direction{Read, Write} {
		if real&d != 0 {
			fired = append(fired, *ctx.slot(d))
		}
	}
	remaining := ctx.interest &^ real
	if remaining == 0 {
		_ = m.poller.del(r.fd)
		m.fds.drop(r.fd)
	} else if remaining != ctx.interest {
		_ = m.poller.mod(r.fd, remaining)
	}
	for _, d := range []Direction{Read, Write} {
		if real&d != 0 {
			*ctx.slot(d) = EventContext{}
		}
	}
	m.pending.Add(-int64(popcount(real)))
	ctx.interest = remaining
	ctx.mu.Unlock()

	for _, ec := range fired {
		m.trigger(ec)
	}
}

// stoppingOverride strengthens the base Scheduler's stopping predicate
// with "no pending fd events and no pending timers".
func (m *Manager) stoppingOverride(base bool) bool {
	return base && m.pending.Load() == 0 && !m.timers.HasTimer()
}
