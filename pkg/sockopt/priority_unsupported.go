//go:build !linux

package sockopt

import (
	"runtime"
	"syscall"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// SetPriority is only supported on Linux.
func SetPriority(_ syscall.Conn, priority uint8) error {
	return &Error{
		Option: "SO_PRIORITY",
		Value:  int(priority),
		Err:    errors.Wrapf(errdefs.ErrNotImplemented, "socket priority is not supported on %s", runtime.GOOS),
	}
}

// Priority is only supported on Linux.
func Priority(syscall.Conn) (int, error) {
	return 0, errors.Wrapf(errdefs.ErrNotImplemented, "socket priority is not supported on %s", runtime.GOOS)
}
