//go:build linux

package iomgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/caolib/cocao/sched"
)

func mustPipe(t *testing.T) (r, w int) {
	t.Helper()
	fds, err := unix.Pipe2(unix.O_NONBLOCK | unix.O_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestAddDelEventRoundTripLeavesStateUnchanged(t *testing.T) {
	m, err := New(1, false, "test")
	require.NoError(t, err)
	defer m.Close()

	r, _ := mustPipe(t)
	before := m.PendingEvents()

	require.NoError(t, m.AddEvent(r, Read, func() {}))
	assert.True(t, m.DelEvent(r, Read))
	assert.Equal(t, before, m.PendingEvents())
}

func TestAddEventAlreadyArmedPanics(t *testing.T) {
	m, err := New(1, false, "test")
	require.NoError(t, err)
	defer m.Close()

	r, _ := mustPipe(t)
	require.NoError(t, m.AddEvent(r, Read, func() {}))
	assert.Panics(t, func() { _ = m.AddEvent(r, Read, func() {}) })
}

func TestFdReadinessTriggersCallback(t *testing.T) {
	m, err := New(2, false, "test")
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Start())
	defer m.Stop()

	r, w := mustPipe(t)
	done := make(chan struct{})
	require.NoError(t, m.AddEvent(r, Read, func() { close(done) }))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fd readiness never triggered the bound callback")
	}
}

func TestCancelAllTriggersEveryArmedEvent(t *testing.T) {
	m, err := New(2, false, "test")
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Start())
	defer m.Stop()

	r, _ := mustPipe(t)
	readFired := make(chan struct{}, 1)
	require.NoError(t, m.AddEvent(r, Read, func() { readFired <- struct{}{} }))

	assert.True(t, m.CancelAll(r))

	select {
	case <-readFired:
	case <-time.After(2 * time.Second):
		t.Fatal("CancelAll did not trigger the armed read event")
	}
	assert.EqualValues(t, 0, m.PendingEvents())
}

func TestWithMetricsDisabledSkipsTaskLatency(t *testing.T) {
	m, err := New(2, false, "test", WithMetrics(false))
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Start())
	defer m.Stop()

	done := make(chan struct{})
	require.NoError(t, m.Schedule(sched.ScheduleTask{Callback: func() { close(done) }}, 0))
	<-done

	assert.EqualValues(t, 0, m.TaskLatency().Count)
}

func TestAddTimerFiresThroughIdleRoutine(t *testing.T) {
	m, err := New(1, false, "test")
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Start())
	defer m.Stop()

	fired := make(chan struct{})
	m.Timers().AddTimer(20*time.Millisecond, func() { close(fired) }, false)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired through the idle routine")
	}
}
