package relay

import (
	"errors"
	"net"

	"golang.org/x/sys/windows"
)

// isTemporaryAcceptError reports whether accept() may succeed if retried.
func isTemporaryAcceptError(err error) bool {
	if errors.Is(err, windows.WSAECONNRESET) || errors.Is(err, windows.WSAENOBUFS) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
