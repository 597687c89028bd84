//go:build linux

// Package fdtable implements the process-wide FdInfo table the hook layer
// consults to decide whether a given fd's syscalls need to be routed
// through the IOManager at all.
//
// Grounded on eventloop/poller_linux.go's direct-fd-indexing, RWMutex
// design, generalized to an amortized-growth slice rather than a fixed
// 65536-entry array.
package fdtable

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Info is the per-fd bookkeeping the hook layer needs.
type Info struct {
	mu sync.Mutex

	fd             int
	isSocket       bool
	sysNonblock    bool // forced nonblocking at the kernel level
	userNonblock   bool // set by the application via fcntl/ioctl
	closed         bool
	recvTimeout    time.Duration
	sendTimeout    time.Duration // -1 == no timeout
}

// NoTimeout is the sentinel meaning "no timeout configured".
const NoTimeout = -1 * time.Nanosecond

// IsSocket reports whether this fd was a socket at creation time.
func (i *Info) IsSocket() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.isSocket
}

// Closed reports whether Close has already run against this entry. A
// caller that retained this *Info across a fiber yield uses it to detect
// that a concurrent Close invalidated the fd in the meantime.
func (i *Info) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// UserNonblock reports whether the application has set O_NONBLOCK itself.
func (i *Info) UserNonblock() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.userNonblock
}

// SetUserNonblock records an application fcntl/ioctl toggling O_NONBLOCK.
func (i *Info) SetUserNonblock(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.userNonblock = v
}

// RecvTimeout / SendTimeout / SetRecvTimeout / SetSendTimeout manage the
// per-fd SO_RCVTIMEO/SO_SNDTIMEO-style deadlines the hook layer arms
// condition timers against.
func (i *Info) RecvTimeout() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.recvTimeout
}

func (i *Info) SendTimeout() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sendTimeout
}

func (i *Info) SetRecvTimeout(d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.recvTimeout = d
}

func (i *Info) SetSendTimeout(d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sendTimeout = d
}

// growthFactor matches iomgr's fdVectorGrowthFactor.
const growthFactor = 1.5

// Table is the singleton fd → Info mapping.
type Table struct {
	mu    sync.RWMutex
	slots []*Info
}

// New constructs an empty Table.
func New() *Table {
	return &Table{slots: make([]*Info, 64)}
}

// Get returns the existing entry for fd. If autoCreate is true and none
// exists, one is synthesized by stat-ing the fd; sockets have their
// kernel-level nonblocking flag forced on.
func (t *Table) Get(fd int, autoCreate bool) *Info {
	if fd < 0 {
		return nil
	}

	t.mu.RLock()
	if fd < len(t.slots) && t.slots[fd] != nil {
		info := t.slots[fd]
		t.mu.RUnlock()
		return info
	}
	t.mu.RUnlock()

	if !autoCreate {
		return nil
	}

	info := &Info{fd: fd, sendTimeout: NoTimeout, recvTimeout: NoTimeout}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err == nil {
		info.isSocket = stat.Mode&unix.S_IFMT == unix.S_IFSOCK
	}
	if info.isSocket {
		if flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0); err == nil {
			_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
			info.sysNonblock = true
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= len(t.slots) {
		newCap := len(t.slots)
		for newCap <= fd {
			newCap = int(float64(newCap)*growthFactor) + 1
		}
		grown := make([]*Info, newCap)
		copy(grown, t.slots)
		t.slots = grown
	}
	if t.slots[fd] != nil {
		return t.slots[fd] // lost the race with another auto-create
	}
	t.slots[fd] = info
	return info
}

// Del removes fd's entry, called by the close hook.
func (t *Table) Del(fd int) {
	if fd < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < len(t.slots) {
		if info := t.slots[fd]; info != nil {
			info.mu.Lock()
			info.closed = true
			info.mu.Unlock()
		}
		t.slots[fd] = nil
	}
}
