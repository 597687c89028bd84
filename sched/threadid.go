package sched

import "runtime"

// workerThreadID returns the calling goroutine's runtime id, used as the
// stand-in for the OS thread id a ScheduleTask's affinity field pins
// tasks to. Each worker goroutine here owns exactly one run-loop
// iteration at a time, so its goroutine id is a faithful substitute for
// thread identity — grounded on the same technique as
// eventloop/loop.go's getGoroutineID() and fiber.goroutineID().
func workerThreadID() uint64 {
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
