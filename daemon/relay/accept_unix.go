//go:build !windows

package relay

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// isTemporaryAcceptError reports whether accept() may succeed if retried.
func isTemporaryAcceptError(err error) bool {
	for _, errno := range []unix.Errno{unix.ECONNABORTED, unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM, unix.EPROTO} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
