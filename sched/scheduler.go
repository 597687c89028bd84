// Package sched implements the thread-pool task queue and run loop that
// multiplexes ScheduleTasks (fiber handles or plain callbacks) onto a fixed
// set of worker goroutines, grounded on the task queue, state machine, and
// tickle/wakeup discipline of eventloop/loop.go, generalized from a
// single-goroutine reactor to an M:N worker pool.
package sched

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caolib/cocao/fiber"
	"github.com/caolib/cocao/internal/assert"
	"github.com/caolib/cocao/internal/ingress"
	"github.com/caolib/cocao/internal/logx"
	"github.com/caolib/cocao/internal/metrics"
)

// Sentinel errors surfaced at the Scheduler boundary.
var (
	// ErrAlreadyStarted is returned by Start on a scheduler already running.
	ErrAlreadyStarted = errors.New("sched: already started")
	// ErrSchedulerStopped is returned when scheduling onto a stopped scheduler.
	ErrSchedulerStopped = errors.New("sched: scheduler stopped")
)

// anyThread is the affinity value meaning "any worker may run this task".
const anyThread uint64 = 0

// ScheduleTask is a queued unit of work: exactly one of Fiber or Callback
// is populated. Affinity, when non-zero, pins the task to the worker
// goroutine whose workerThreadID() matches; it is never migrated mid-run.
type ScheduleTask struct {
	Fiber    *fiber.Fiber
	Callback func()
	Affinity uint64
}

func (t ScheduleTask) empty() bool {
	return t.Fiber == nil && t.Callback == nil
}

// Scheduler is an M:N pool multiplexing ScheduleTasks onto worker
// goroutines.
type Scheduler struct {
	name      string
	workerN   int
	useCaller bool

	mu    sync.Mutex
	queue *ingress.Chunked[ScheduleTask]

	active atomic.Int32
	idle   atomic.Int32

	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootFiber *fiber.Fiber // only set when useCaller

	// callbackPool recycles callback fibers that ran to TERM; it is one
	// pool shared by all workers.
	callbackPool sync.Pool

	metricsEnabled bool
	queueDepth     metrics.Gauge
	taskLat        *metrics.Latency

	// idleFn, when set, replaces the base busy-yield idle loop. IOManager
	// installs its own blocking idle routine here to block on external
	// events (fd readiness, timer expiry) instead of spinning.
	idleFn func(s *Scheduler)

	// stoppingFn lets a subclass (IOManager) strengthen the stopping
	// predicate with its own conditions.
	stoppingFn func(base bool) bool

	// tickleFn lets a subclass override the wake mechanism (IOManager
	// writes to its self-pipe instead of relying on idle-loop polling).
	tickleFn func(s *Scheduler)
}

// New constructs a Scheduler with the given worker count, name, and
// use-caller flag. Workers are not started until Start is called.
func New(workerCount int, useCaller bool, name string, opts ...Option) *Scheduler {
	if workerCount <= 0 {
		workerCount = 1
	}
	cfg := resolveOptions(opts)
	s := &Scheduler{
		name:           name,
		workerN:        workerCount,
		useCaller:      useCaller,
		queue:          ingress.New[ScheduleTask](),
		taskLat:        metrics.NewLatency(),
		metricsEnabled: cfg.metricsEnabled,
	}
	return s
}

// Name returns the scheduler's configured name, used only for logging.
func (s *Scheduler) Name() string { return s.name }

// QueueDepth reports the number of queued-but-not-yet-dequeued tasks.
func (s *Scheduler) QueueDepth() int64 { return s.queueDepth.Load() }

// TaskLatency reports a snapshot of per-task run-to-yield/return latency.
func (s *Scheduler) TaskLatency() metrics.Snapshot { return s.taskLat.Snapshot() }

// Start spawns worker goroutines. Idempotent while already started: a
// repeated call spawns nothing and returns ErrAlreadyStarted. Once Stop has
// run it is a no-op (logged) returning ErrSchedulerStopped.
func (s *Scheduler) Start() error {
	if s.stopping.Load() {
		logx.Warn("sched: start called after stop", logx.F("scheduler", s.name))
		return ErrSchedulerStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	extra := s.workerN
	if s.useCaller {
		extra--
		s.rootFiber = fiber.GetThis()
		s.wg.Add(1)
		go s.runWorker(true)
	}
	for i := 0; i < extra; i++ {
		s.wg.Add(1)
		go s.runWorker(false)
	}
	return nil
}

// Stop sets the stopping flag, tickles every worker awake, and waits for
// all workers to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		for i := 0; i < s.workerN; i++ {
			s.Tickle()
		}
	})
	s.wg.Wait()
}

// Schedule pushes task onto the queue with the given affinity (0 = any
// worker). If the queue was previously empty, at most one idle worker is
// tickled.
func (s *Scheduler) Schedule(task ScheduleTask, affinity uint64) error {
	assert.Invariant(!task.empty(), "sched: ScheduleTask must carry a fiber or a callback")
	task.Affinity = affinity

	if s.stopping.Load() {
		logx.Warn("sched: schedule onto stopped scheduler ignored", logx.F("scheduler", s.name))
		return ErrSchedulerStopped
	}

	s.enqueue(task)
	return nil
}

// ScheduleContinuation enqueues task unconditionally, bypassing the
// stopping check Schedule applies. It exists for continuations of work
// that was accepted before Stop was requested, such as a fiber already
// parked on an armed timer or fd event, so that draining can still
// deliver the wakeup that lets it reach TERM instead of leaking its
// goroutine. Not for use by new, externally-initiated work: that must go
// through Schedule so shutdown can refuse it.
func (s *Scheduler) ScheduleContinuation(task ScheduleTask, affinity uint64) {
	assert.Invariant(!task.empty(), "sched: ScheduleTask must carry a fiber or a callback")
	task.Affinity = affinity
	s.enqueue(task)
}

func (s *Scheduler) enqueue(task ScheduleTask) {
	s.mu.Lock()
	wasEmpty := s.queue.Len() == 0
	s.queue.Push(task)
	s.mu.Unlock()
	if s.metricsEnabled {
		s.queueDepth.Add(1)
	}

	if wasEmpty {
		s.Tickle()
	}
}

// ScheduleBatch enqueues many tasks at once, tickling at most once.
func (s *Scheduler) ScheduleBatch(tasks []ScheduleTask) error {
	if len(tasks) == 0 {
		return nil
	}
	if s.stopping.Load() {
		return ErrSchedulerStopped
	}

	s.mu.Lock()
	wasEmpty := s.queue.Len() == 0
	for _, t := range tasks {
		assert.Invariant(!t.empty(), "sched: ScheduleTask must carry a fiber or a callback")
		s.queue.Push(t)
	}
	s.mu.Unlock()
	if s.metricsEnabled {
		s.queueDepth.Add(int64(len(tasks)))
	}

	if wasEmpty {
		s.Tickle()
	}
	return nil
}

// Tickle wakes one idle worker. The base implementation is a fast no-op;
// composed callers (IOManager) override via tickleFn to write to a
// self-pipe instead.
func (s *Scheduler) Tickle() {
	if s.tickleFn != nil {
		s.tickleFn(s)
		return
	}
	// Base scheduler's idle routine busy-yields, so there is nothing to
	// wake explicitly: the next iteration of a spinning idle fiber will
	// observe the new queue entry on its own.
}

// isStopping reports the base stopping predicate: stop requested, queue
// empty, and no worker currently active. Composed callers strengthen it
// via stoppingFn.
func (s *Scheduler) isStopping() bool {
	base := s.stopping.Load() && s.queueLen() == 0 && s.active.Load() == 0
	if s.stoppingFn != nil {
		return s.stoppingFn(base)
	}
	return base
}

func (s *Scheduler) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// IsStopping reports the scheduler's combined stopping predicate (base
// condition ANDed with any installed strengthening), exposed so a
// composed idle routine can decide when to exit.
func (s *Scheduler) IsStopping() bool { return s.isStopping() }

// IdleWorkers returns the number of workers currently parked in their idle
// fiber, used by IOManager's tickle override to skip waking the self-pipe
// when nobody is listening.
func (s *Scheduler) IdleWorkers() int32 { return s.idle.Load() }

// SetIdleFn installs a replacement for the base busy-yield idle routine.
// Must be called before Start.
func (s *Scheduler) SetIdleFn(fn func(s *Scheduler)) { s.idleFn = fn }

// SetStoppingFn installs an additional predicate ANDed with the base
// stopping check. Must be called
// before Start.
func (s *Scheduler) SetStoppingFn(fn func(base bool) bool) { s.stoppingFn = fn }

// SetTickleFn overrides the wake mechanism used by Tickle. Must be called before Start.
func (s *Scheduler) SetTickleFn(fn func(s *Scheduler)) { s.tickleFn = fn }

// runWorker is one worker goroutine's run loop; the loop runs directly on
// the goroutine, not inside a fiber. Each worker records itself with
// bindThreadLocal so GetThis/GetMainFiber answer for it: the use-caller
// worker records the caller's root fiber (captured by Start) and also sets
// it as this goroutine's current fiber via fiber.SetThis, while every other
// worker records its idle fiber and sets no current fiber.
func (s *Scheduler) runWorker(isCaller bool) {
	defer s.wg.Done()

	tid := workerThreadID()
	body := s.idleLoop
	if s.idleFn != nil {
		body = func() { s.idleFn(s) }
	}
	idleFiber := fiber.New(body, 0, true)

	if isCaller && s.rootFiber != nil {
		fiber.SetThis(s.rootFiber)
		bindThreadLocal(s, s.rootFiber)
	} else {
		bindThreadLocal(s, idleFiber)
	}
	defer unbindThreadLocal()

	for {
		task, ok := s.dequeue(tid)
		if ok {
			s.active.Add(1)
			s.runTask(task)
			s.active.Add(-1)
			if s.metricsEnabled {
				s.queueDepth.Add(-1)
			}
			continue
		}

		if idleFiber.State() == fiber.Term {
			return
		}
		s.idle.Add(1)
		idleFiber.Resume()
		s.idle.Add(-1)
		if idleFiber.State() == fiber.Term {
			return
		}
	}
}

// dequeue scans the queue front-to-back, skipping affinity-mismatched or
// still-RUNNING fiber tasks, and takes the first eligible one.
func (s *Scheduler) dequeue(tid uint64) (ScheduleTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var skipped []ScheduleTask
	var found ScheduleTask
	ok := false

	for {
		t, has := s.queue.Pop()
		if !has {
			break
		}
		if t.Affinity != anyThread && t.Affinity != tid {
			skipped = append(skipped, t)
			continue
		}
		if t.Fiber != nil && t.Fiber.State() == fiber.Running {
			skipped = append(skipped, t)
			continue
		}
		found, ok = t, true
		break
	}
	for _, t := range skipped {
		s.queue.Push(t)
	}
	if len(skipped) > 0 {
		s.Tickle()
	}
	return found, ok
}

// runTask resumes a fiber task, or runs a callback on a pooled callback
// fiber.
func (s *Scheduler) runTask(task ScheduleTask) {
	if !s.metricsEnabled {
		s.runTaskBody(task)
		return
	}
	start := time.Now()
	defer func() { s.taskLat.Observe(time.Since(start)) }()
	s.runTaskBody(task)
}

func (s *Scheduler) runTaskBody(task ScheduleTask) {
	if task.Fiber != nil {
		task.Fiber.Resume()
		return
	}

	cb := task.Callback
	var cf *fiber.Fiber
	if pooled, ok := s.callbackPool.Get().(*fiber.Fiber); ok && pooled != nil {
		pooled.Reset(cb)
		cf = pooled
	} else {
		cf = fiber.New(cb, 0, true)
	}
	cf.Resume()
	// Only a fiber that ran to completion is safe to pool: Reset requires
	// TERM. A callback that itself yields (e.g. performs hooked I/O) is
	// still READY here and must not be recycled.
	if cf.State() == fiber.Term {
		s.callbackPool.Put(cf)
	}
}

// idleLoop is the base Scheduler's idle fiber body: busy-yield while not
// stopping.
func (s *Scheduler) idleLoop() {
	for !s.isStopping() {
		fiber.Yield()
	}
}
