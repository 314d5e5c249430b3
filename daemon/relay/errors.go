package relay

import (
	"fmt"
	"net/netip"

	"github.com/containerd/errdefs"
	"github.com/portrelay/portrelay/daemon/mapping"
)

// BindError is returned by an engine whose socket could not be bound. It
// is an [errdefs.ErrUnavailable] and also wraps the OS error.
type BindError struct {
	Proto mapping.Protocol
	Addr  netip.AddrPort
	Err   error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind host port %s/%s: %v", e.Addr, e.Proto, e.Err)
}

func (e *BindError) Unwrap() []error {
	return []error{e.Err, errdefs.ErrUnavailable}
}
