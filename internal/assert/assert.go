// Package assert provides the invariant-violation panic helper used
// across cocao for conditions that indicate a programmer error rather
// than a recoverable runtime failure (e.g. resuming a non-ready fiber,
// double-arming an fd event).
package assert

import "fmt"

// InvariantViolation is the panic value raised by Invariant. Recovering
// and inspecting it lets a caller distinguish a broken invariant from an
// arbitrary panic, but the intended response is still to let the process
// crash — these are not meant to be handled.
type InvariantViolation struct {
	Message string
}

func (e *InvariantViolation) Error() string { return e.Message }

// Invariant panics with an *InvariantViolation if cond is false.
func Invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(&InvariantViolation{Message: fmt.Sprintf(format, args...)})
	}
}
