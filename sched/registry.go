package sched

import (
	"sync"

	"github.com/caolib/cocao/fiber"
)

// threadLocals holds, per worker goroutine, the Scheduler it belongs to
// and the scheduling fiber hosting that worker's run loop — queried via
// GetThis()/GetMainFiber().
var (
	localsMu sync.RWMutex
	locals   = make(map[uint64]*threadLocal)
)

type threadLocal struct {
	scheduler *Scheduler
	mainFiber *fiber.Fiber
}

func bindThreadLocal(s *Scheduler, mainFiber *fiber.Fiber) {
	tid := workerThreadID()
	localsMu.Lock()
	locals[tid] = &threadLocal{scheduler: s, mainFiber: mainFiber}
	localsMu.Unlock()
}

func unbindThreadLocal() {
	tid := workerThreadID()
	localsMu.Lock()
	delete(locals, tid)
	localsMu.Unlock()
}

// GetThis returns the Scheduler whose worker loop is running on the
// calling goroutine, or nil if none.
func GetThis() *Scheduler {
	tid := workerThreadID()
	localsMu.RLock()
	defer localsMu.RUnlock()
	if tl, ok := locals[tid]; ok {
		return tl.scheduler
	}
	return nil
}

// GetMainFiber returns the fiber recorded for the current worker goroutine
// (the caller's root fiber on the use-caller worker, the idle fiber on the
// others), or nil if the calling goroutine is not a worker.
func GetMainFiber() *fiber.Fiber {
	tid := workerThreadID()
	localsMu.RLock()
	defer localsMu.RUnlock()
	if tl, ok := locals[tid]; ok {
		return tl.mainFiber
	}
	return nil
}
