//go:build linux

// Package iomgr implements the IOManager component: a
// Scheduler plus TimerManager plus an edge-triggered epoll demultiplexer
// and a dynamic per-fd interest table, glued together so that a fiber
// yielding on EAGAIN is resumed by fd readiness or timer expiry.
//
// Grounded on eventloop/poller_linux.go's FastPoller for the epoll
// wrapper, generalized from a fixed 65536-entry array to a
// mutex-protected, amortized-growth slice, and switched to mandatory
// edge-triggered (EPOLLET) registration.
package iomgr

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Direction is a single I/O interest bit.
type Direction uint32

const (
	// Read is readiness-for-read interest.
	Read Direction = 1 << iota
	// Write is readiness-for-write interest.
	Write
	// errFlag and hupFlag are readiness bits the poller reports but the
	// caller never arms directly; both are folded into both Read and
	// Write interest when delivered.
	errFlag
	hupFlag
)

var (
	// ErrRegistration is returned when the demultiplexer refuses an
	// add/mod/del; state is left unchanged.
	ErrRegistration = errors.New("iomgr: demultiplexer registration failed")
)

// poller is a thin epoll wrapper. Unlike eventloop's FastPoller it does
// not own fd metadata or dispatch callbacks itself — IOManager's
// FdContext table does that — so poller stays a pure syscall façade.
type poller struct {
	epfd   int32
	closed atomic.Bool
}

// maxEvents bounds a single wait call.
const maxEvents = 256

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epfd: int32(fd)}, nil
}

func (p *poller) close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(int(p.epfd))
}

// add registers fd for the given interest mask, edge-triggered.
func (p *poller) add(fd int, mask Direction) error {
	ev := unix.EpollEvent{Events: toEpoll(mask) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return ErrRegistration
	}
	return nil
}

// mod rewrites fd's interest mask.
func (p *poller) mod(fd int, mask Direction) error {
	ev := unix.EpollEvent{Events: toEpoll(mask) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return ErrRegistration
	}
	return nil
}

// del removes fd from the demultiplexer entirely.
func (p *poller) del(fd int) error {
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return ErrRegistration
	}
	return nil
}

// wait blocks for up to timeoutMs (negative blocks forever) and returns the
// (fd, returned-events) pairs ready. EINTR is retried transparently rather
// than surfaced as an error.
//
// The event buffer is local to each call, not a poller field: multiple
// idle workers call wait concurrently on the same *poller (one per
// worker goroutine), and a shared buffer would let one call's EpollWait
// overwrite another's in-flight results.
func (p *poller) wait(timeoutMs int) ([]readyFD, error) {
	var evtBuf [maxEvents]unix.EpollEvent
	for {
		n, err := unix.EpollWait(int(p.epfd), evtBuf[:], timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		out := make([]readyFD, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, readyFD{
				fd:     int(evtBuf[i].Fd),
				events: fromEpoll(evtBuf[i].Events),
			})
		}
		return out, nil
	}
}

type readyFD struct {
	fd     int
	events Direction
}

func toEpoll(d Direction) uint32 {
	var e uint32
	if d&Read != 0 {
		e |= unix.EPOLLIN
	}
	if d&Write != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) Direction {
	var d Direction
	if e&unix.EPOLLIN != 0 {
		d |= Read
	}
	if e&unix.EPOLLOUT != 0 {
		d |= Write
	}
	if e&unix.EPOLLERR != 0 {
		d |= errFlag
	}
	if e&unix.EPOLLHUP != 0 {
		d |= hupFlag
	}
	return d
}
