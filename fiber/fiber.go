// Package fiber implements a stackful-looking cooperative execution
// context.
//
// Go exposes no ucontext/swapcontext-equivalent without cgo or per-arch
// assembly, so each Fiber here is backed by a dedicated goroutine parked
// on a pair of unbuffered channels (resumeCh/yieldCh). Resume() unblocks
// the fiber's goroutine and blocks the caller until the fiber's next
// Yield(); Yield() is the mirror. Since exactly one side of the
// handshake is ever runnable, "at most one fiber RUNNING per thread"
// holds by construction: see DESIGN.md for the full writeup of this
// substitution.
package fiber

import (
	"sync"
	"sync/atomic"

	"github.com/caolib/cocao/internal/assert"
	"github.com/caolib/cocao/internal/logx"
)

var idCounter atomic.Uint64

// Fiber is a stackful-looking cooperative execution context.
type Fiber struct {
	id              uint64
	entry           atomic.Pointer[func()]
	runsInScheduler bool
	stackSize       int

	state atomic.Int32

	resumeCh chan struct{}
	yieldCh  chan struct{}

	startOnce *sync.Once

	// goroutine backing this fiber once started; 0 until Resume spawns it.
	backingGoroutine atomic.Uint64

	// root marks the synthetic fiber representing a thread's own (non-fiber)
	// execution, lazily created by GetThis. A root fiber has no entry and is
	// never resumed via the scheduler.
	root bool
}

// DefaultStackSize is the default stack size new fibers report. Go goroutines grow their own stacks
// dynamically; this value is carried for API parity and diagnostics only.
const DefaultStackSize = 1 << 20

// New allocates a fiber in state Ready with the given entry point.
// stackSize <= 0 uses DefaultStackSize. runsInScheduler controls which
// target Yield conceptually returns to; under cocao's
// channel-handshake design the return target is whoever called Resume,
// so the flag is retained for parity with the scheduler's ScheduleTask
// contract rather than for dispatch inside Fiber itself.
func New(entry func(), stackSize int, runsInScheduler bool) *Fiber {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	f := &Fiber{
		id:              idCounter.Add(1),
		runsInScheduler: runsInScheduler,
		stackSize:       stackSize,
		resumeCh:        make(chan struct{}),
		yieldCh:         make(chan struct{}),
		startOnce:       &sync.Once{},
	}
	f.entry.Store(&entry)
	f.state.Store(int32(Ready))
	return f
}

// ID returns the fiber's unique, monotonically increasing identifier.
func (f *Fiber) ID() uint64 { return f.id }

// StackSize returns the stack size this fiber was configured with.
func (f *Fiber) StackSize() int { return f.stackSize }

// RunsInScheduler reports whether this fiber was created to run under a
// scheduler's run loop.
func (f *Fiber) RunsInScheduler() bool { return f.runsInScheduler }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// Resume switches execution into this fiber. Valid only when State() is
// Ready; panics otherwise, since resuming a non-ready fiber is a
// programmer error.
func (f *Fiber) Resume() {
	if !f.state.CompareAndSwap(int32(Ready), int32(Running)) {
		assert.Invariant(false, "fiber: Resume called on fiber %d in state %s, want READY", f.id, f.State())
	}

	f.startOnce.Do(func() {
		go f.run()
	})

	f.resumeCh <- struct{}{}
	<-f.yieldCh
}

// run is the trampoline: it registers the backing goroutine as this
// fiber's identity, waits for the first Resume, executes entry, and on
// return marks the fiber TERM and performs a final yield.
func (f *Fiber) run() {
	gid := goroutineID()
	f.backingGoroutine.Store(gid)
	register(gid, f)
	defer unregister(gid)

	<-f.resumeCh

	func() {
		defer func() {
			if r := recover(); r != nil {
				logx.Error("fiber: entry panicked, fiber marked TERM",
					logx.F("fiber_id", f.id), logx.F("panic", r))
			}
			f.state.Store(int32(Term))
			f.yieldCh <- struct{}{}
		}()
		entry := f.entry.Load()
		(*entry)()
	}()
}

// Yield suspends the currently-running fiber on this goroutine and
// returns control to whoever called Resume on it. It is cancellation-free
//. Calling Yield when no fiber is
// associated with the calling goroutine is a no-op, matching the base
// Scheduler idle fiber's busy-yield loop running on a plain goroutine
// before any fiber has been attached to it.
func Yield() {
	f := GetThis()
	if f == nil || f.root {
		return
	}
	f.state.Store(int32(Ready))
	f.yieldCh <- struct{}{}
	<-f.resumeCh
	f.state.Store(int32(Running))
}

// Reset reuses this Fiber's identity for a new entry function. Valid only
// when State() is Term. Go cannot literally reuse an exited
// goroutine's stack the way ucontext reuses a stack region, so Reset
// arranges for Resume to spawn a fresh backing goroutine on next use;
// the Fiber's id and external handle are unchanged.
func (f *Fiber) Reset(newEntry func()) {
	if !f.state.CompareAndSwap(int32(Term), int32(Ready)) {
		assert.Invariant(false, "fiber: Reset called on fiber %d in state %s, want TERM", f.id, f.State())
	}
	f.entry.Store(&newEntry)
	f.startOnce = &sync.Once{}
	f.resumeCh = make(chan struct{})
	f.yieldCh = make(chan struct{})
}
