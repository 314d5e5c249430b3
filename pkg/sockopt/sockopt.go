// Package sockopt sets socket options that tag a socket's egress traffic.
package sockopt

import (
	"fmt"
	"syscall"
)

// Error is returned when a socket option cannot be applied to a socket.
type Error struct {
	Option string
	Value  int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to set %s=%d: %v", e.Option, e.Value, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// PriorityFunc applies a traffic priority to a socket. [SetPriority] is the
// implementation used outside tests.
type PriorityFunc func(conn syscall.Conn, priority uint8) error
