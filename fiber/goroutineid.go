package fiber

import "runtime"

// goroutineID returns the current goroutine's runtime id by parsing the
// "goroutine N [...]" header runtime.Stack prints for the calling
// goroutine. Grounded on eventloop/loop.go's getGoroutineID(), used there
// to tell the loop's own goroutine apart from external callers
// (isLoopThread()). cocao reuses the same technique to stand in for a
// per-OS-thread "current fiber" pointer: Go gives us no portable
// thread-local storage, but each Fiber is itself backed by a dedicated
// goroutine (see Fiber.Resume), so keying on goroutine id is the
// faithful substitution.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
