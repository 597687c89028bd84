//go:build linux

package hook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/caolib/cocao/fdtable"
	"github.com/caolib/cocao/fiber"
	"github.com/caolib/cocao/iomgr"
	"github.com/caolib/cocao/sched"
)

func newTestHooks(t *testing.T) (*Hooks, *iomgr.Manager) {
	t.Helper()
	mgr, err := iomgr.New(2, false, "test")
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	require.NoError(t, mgr.Start())
	t.Cleanup(mgr.Stop)

	h := New(fdtable.New(), mgr)
	h.SetEnabled(true)
	return h, mgr
}

func TestSetEnabledFalseReportsDisabled(t *testing.T) {
	h := New(fdtable.New(), nil)
	h.SetEnabled(false)
	assert.False(t, h.Enabled())
}

func TestReadOnNonSocketPassesThrough(t *testing.T) {
	h, _ := newTestHooks(t)

	fds, err := unix.Pipe2(unix.O_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	_, err = h.Write(fds[1], []byte("hi"))
	require.NoError(t, err)

	buf := make([]byte, 2)
	n, err := h.Read(fds[0], buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
}

func TestCloseCancelsArmedEventsAndClosesFd(t *testing.T) {
	h, mgr := newTestHooks(t)

	fds, err := unix.Pipe2(unix.O_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	require.NoError(t, mgr.AddEvent(fds[0], iomgr.Read, func() {}))
	require.NoError(t, h.Close(fds[0]))
	assert.EqualValues(t, 0, mgr.PendingEvents())
}

func TestSleepResumesAfterDelayOnAFiber(t *testing.T) {
	h, _ := newTestHooks(t)

	start := time.Now()
	done := make(chan time.Duration, 1)
	f := fiber.New(func() {
		h.Sleep(20 * time.Millisecond)
		done <- time.Since(start)
	}, 0, true)

	f.Resume()

	select {
	case elapsed := <-done:
		assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("sleeping fiber never resumed")
	}
}
