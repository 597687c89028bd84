//go:build linux

// Package hook implements the generic suspend-on-EAGAIN I/O algorithm for
// a syscall hook layer. Go programs cannot intercept libc/raw syscalls
// transparently the way an LD_PRELOAD-style C hook layer does (grounded
// on original_source/libcocao's hook.cc, which overrides the libc
// symbols directly) without cgo or per-arch assembly trampolines. cocao
// instead exposes the same suspend/resume algorithm as an explicit
// package: application code calls hook.Read/hook.Write/etc. instead of
// the raw unix.Read/unix.Write syscalls, and gets the same
// fiber-suspend-on-EAGAIN behavior the original intercepts implicitly.
package hook

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/caolib/cocao/fdtable"
	"github.com/caolib/cocao/fiber"
	"github.com/caolib/cocao/iomgr"
	"github.com/caolib/cocao/sched"
	"github.com/caolib/cocao/timer"
)

// ErrTimeout is returned (mirroring ETIMEDOUT) when a hooked call's
// configured send/recv timeout elapses before the syscall completes.
var ErrTimeout = errors.New("hook: i/o timed out")

// Hooks binds the fd table and IOManager a set of hooked calls operate
// against. Each worker/application normally constructs exactly one.
type Hooks struct {
	fds *fdtable.Table
	io  *iomgr.Manager

	// enabled is the process-wide switchable bit deciding whether hooked
	// calls route through the IOManager at all. Go gives no cheap
	// thread-local storage outside of goroutine-id tricks already spent
	// on fiber identity, so cocao keeps one flag per Hooks value rather
	// than a per-thread one.
	enabled atomic.Bool
}

// New constructs a Hooks bound to the given fd table and IOManager.
func New(fds *fdtable.Table, io *iomgr.Manager) *Hooks {
	return &Hooks{fds: fds, io: io}
}

// SetEnabled toggles whether hooked calls route through the IOManager at
// all. Disabled hooks always pass straight through.
func (h *Hooks) SetEnabled(v bool) { h.enabled.Store(v) }

// Enabled reports the current switch state.
func (h *Hooks) Enabled() bool { return h.enabled.Load() }

// timerInfo is the heap-allocated "cancelled" box the timeout timer's
// callback and the suspended fiber both reference.
type timerInfo struct {
	cancelled error
}

// direction picks which of recv/send timeout applies and which interest
// bit to arm.
type direction struct {
	dir     iomgr.Direction
	timeout func(*fdtable.Info) time.Duration
}

var recvDir = direction{dir: iomgr.Read, timeout: (*fdtable.Info).RecvTimeout}
var sendDir = direction{dir: iomgr.Write, timeout: (*fdtable.Info).SendTimeout}

// doIO runs the generic suspend-on-EAGAIN algorithm around a single raw syscall attempt, retried until it
// succeeds, fails for a reason other than EAGAIN, or times out.
func (h *Hooks) doIO(fd int, d direction, attempt func() (int, error)) (int, error) {
	info := h.fds.Get(fd, true)
	if !h.Enabled() || info == nil || !info.IsSocket() || info.UserNonblock() {
		return attempt()
	}

	timeout := d.timeout(info)

	for {
		if info.Closed() {
			return -1, unix.EBADF
		}

		n, err := attempt()
		if err == unix.EINTR {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			return n, err
		}

		box := &timerInfo{}
		var t *timer.Timer
		if timeout > 0 {
			t = h.io.Timers().AddTimer(timeout, func() {
				box.cancelled = ErrTimeout
				h.io.CancelEvent(fd, d.dir)
			}, false)
		}

		if addErr := h.io.AddEvent(fd, d.dir, nil); addErr != nil {
			return -1, addErr
		}
		fiber.Yield()

		if t != nil {
			t.Cancel()
		}
		if box.cancelled != nil {
			return -1, box.cancelled
		}
	}
}

// Read is the hooked read(2): suspends the calling fiber on EAGAIN instead
// of blocking the worker thread.
func (h *Hooks) Read(fd int, p []byte) (int, error) {
	return h.doIO(fd, recvDir, func() (int, error) { return unix.Read(fd, p) })
}

// Write is the hooked write(2).
func (h *Hooks) Write(fd int, p []byte) (int, error) {
	return h.doIO(fd, sendDir, func() (int, error) { return unix.Write(fd, p) })
}

// Recvfrom is the hooked recvfrom(2).
func (h *Hooks) Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := h.doIO(fd, recvDir, func() (int, error) {
		nn, sa, e := unix.Recvfrom(fd, p, flags)
		from = sa
		return nn, e
	})
	return n, from, err
}

// Sendto is the hooked sendto(2).
func (h *Hooks) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) error {
	_, err := h.doIO(fd, sendDir, func() (int, error) {
		return 0, unix.Sendto(fd, p, flags, to)
	})
	return err
}

// Accept is the hooked accept(2).
func (h *Hooks) Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := h.doIO(fd, recvDir, func() (int, error) {
		nfd, s, e := unix.Accept(fd)
		sa = s
		return nfd, e
	})
	return nfd, sa, err
}

// Connect is the hooked connect(2).
func (h *Hooks) Connect(fd int, sa unix.Sockaddr) error {
	info := h.fds.Get(fd, true)
	if !h.Enabled() || info == nil || !info.IsSocket() || info.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		return err
	}

	timeout := info.SendTimeout()
	box := &timerInfo{}
	var t *timer.Timer
	if timeout > 0 {
		t = h.io.Timers().AddTimer(timeout, func() {
			box.cancelled = ErrTimeout
			h.io.CancelEvent(fd, iomgr.Write)
		}, false)
	}
	if addErr := h.io.AddEvent(fd, iomgr.Write, nil); addErr != nil {
		return addErr
	}
	fiber.Yield()
	if t != nil {
		t.Cancel()
	}
	if box.cancelled != nil {
		return box.cancelled
	}

	errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Sleep suspends the calling fiber for d without blocking its worker
// thread: it arms a one-shot timer that reschedules the waiter, then
// yields. No fd involved.
func (h *Hooks) Sleep(d time.Duration) {
	waiter := fiber.GetThis()
	h.io.Timers().AddTimer(d, func() {
		h.io.ScheduleContinuation(sched.ScheduleTask{Fiber: waiter}, 0)
	}, false)
	fiber.Yield()
}

// Close cancels every armed event on fd, drops its FdInfo, then performs
// the real close.
func (h *Hooks) Close(fd int) error {
	h.io.CancelAll(fd)
	h.fds.Del(fd)
	return unix.Close(fd)
}

// SetNonblock implements the fcntl F_SETFL path: the user-visible
// nonblock bit is recorded in FdInfo and shadowed — the kernel flag always
// reflects sys-nonblock OR user-nonblock — while the user-visible flag is
// read back through fdtable.Info.UserNonblock. Sockets are the fds whose
// sys-nonblock bit the fd table forces on.
func (h *Hooks) SetNonblock(fd int, v bool) error {
	info := h.fds.Get(fd, true)
	kernel := v
	if info != nil {
		info.SetUserNonblock(v)
		kernel = v || info.IsSocket()
	}
	return unix.SetNonblock(fd, kernel)
}

// SetRecvTimeout / SetSendTimeout implement setsockopt SO_RCVTIMEO /
// SO_SNDTIMEO: the timeout is recorded in FdInfo in addition to being
// forwarded to the kernel.
func (h *Hooks) SetRecvTimeout(fd int, d time.Duration) error {
	info := h.fds.Get(fd, true)
	if info != nil {
		info.SetRecvTimeout(d)
	}
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, durationToTimeval(d))
}

func (h *Hooks) SetSendTimeout(fd int, d time.Duration) error {
	info := h.fds.Get(fd, true)
	if info != nil {
		info.SetSendTimeout(d)
	}
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, durationToTimeval(d))
}

func durationToTimeval(d time.Duration) *unix.Timeval {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return &tv
}
