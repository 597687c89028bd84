package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/caolib/cocao/fiber"
)

func TestWithMetricsDisabledSkipsLatencyTracking(t *testing.T) {
	s := New(2, false, "test", WithMetrics(false))
	assert.NoError(t, s.Start())
	defer s.Stop()

	done := make(chan struct{})
	assert.NoError(t, s.Schedule(ScheduleTask{Callback: func() { close(done) }}, 0))
	<-done

	assert.EqualValues(t, 0, s.TaskLatency().Count)
}

func TestScheduleCallbackRuns(t *testing.T) {
	s := New(2, false, "test")
	assert.NoError(t, s.Start())
	defer s.Stop()

	done := make(chan struct{})
	err := s.Schedule(ScheduleTask{Callback: func() { close(done) }}, 0)
	assert.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
}

func TestScheduleFiberRuns(t *testing.T) {
	s := New(2, false, "test")
	assert.NoError(t, s.Start())
	defer s.Stop()

	var ran atomic.Bool
	f := fiber.New(func() { ran.Store(true) }, 0, true)
	assert.NoError(t, s.Schedule(ScheduleTask{Fiber: f}, 0))

	assert.Eventually(t, func() bool { return ran.Load() }, time.Second, time.Millisecond)
}

func TestScheduleManyCallbacksAllRun(t *testing.T) {
	s := New(4, false, "test")
	assert.NoError(t, s.Start())
	defer s.Stop()

	const n = 500
	var wg sync.WaitGroup
	wg.Add(n)
	var count atomic.Int64
	for i := 0; i < n; i++ {
		assert.NoError(t, s.Schedule(ScheduleTask{Callback: func() {
			count.Add(1)
			wg.Done()
		}}, 0))
	}

	doneCh := make(chan struct{})
	go func() { wg.Wait(); close(doneCh) }()

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("not all callbacks ran")
	}
	assert.EqualValues(t, n, count.Load())
}

func TestStopDrainsQueueAndJoinsWorkers(t *testing.T) {
	s := New(3, false, "test")
	assert.NoError(t, s.Start())

	var ran atomic.Bool
	assert.NoError(t, s.Schedule(ScheduleTask{Callback: func() { ran.Store(true) }}, 0))

	s.Stop()
	assert.True(t, ran.Load())
	assert.Equal(t, 0, s.queueLen())
}

func TestScheduleContinuationBypassesStoppingDuringDrain(t *testing.T) {
	s := New(2, false, "test")
	assert.NoError(t, s.Start())

	s.stopping.Store(true)

	var ran atomic.Bool
	done := make(chan struct{})
	s.ScheduleContinuation(ScheduleTask{Callback: func() {
		ran.Store(true)
		close(done)
	}}, 0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("continuation dropped while stopping was set")
	}
	assert.True(t, ran.Load())

	s.Stop()
}

func TestScheduleOnStoppedSchedulerIsRejected(t *testing.T) {
	s := New(1, false, "test")
	assert.NoError(t, s.Start())
	s.Stop()

	err := s.Schedule(ScheduleTask{Callback: func() {}}, 0)
	assert.ErrorIs(t, err, ErrSchedulerStopped)
}

func TestEmptyTaskPanics(t *testing.T) {
	s := New(1, false, "test")
	assert.Panics(t, func() { _ = s.Schedule(ScheduleTask{}, 0) })
}
