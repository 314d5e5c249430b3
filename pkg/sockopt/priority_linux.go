package sockopt

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SetPriority sets SO_PRIORITY on the socket underlying conn, so that every
// packet sent on it afterwards is queued with that priority. Values above 6
// require CAP_NET_ADMIN.
func SetPriority(conn syscall.Conn, priority uint8) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "failed to access raw socket")
	}
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, int(priority))
	}); err != nil {
		return &Error{Option: "SO_PRIORITY", Value: int(priority), Err: err}
	}
	if serr != nil {
		return &Error{Option: "SO_PRIORITY", Value: int(priority), Err: os.NewSyscallError("setsockopt", serr)}
	}
	return nil
}

// Priority returns the SO_PRIORITY currently set on the socket underlying
// conn.
func Priority(conn syscall.Conn) (int, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, errors.Wrap(err, "failed to access raw socket")
	}
	var (
		prio int
		gerr error
	)
	if err := rc.Control(func(fd uintptr) {
		prio, gerr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY)
	}); err != nil {
		return 0, err
	}
	if gerr != nil {
		return 0, os.NewSyscallError("getsockopt", gerr)
	}
	return prio, nil
}
