// Package mapping defines the port mappings relayed by portrelay and the
// parser for the mapping file.
package mapping

import (
	"fmt"
	"net/netip"
	"strconv"
)

// Protocol represents the transport protocol of a Mapping.
type Protocol uint8

const (
	TCP Protocol = 6  // IPPROTO_TCP
	UDP Protocol = 17 // IPPROTO_UDP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return strconv.Itoa(int(p))
	}
}

// ParseProtocol returns the Protocol for s. Names are case-sensitive, so
// only "tcp" and "udp" are accepted.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	default:
		return 0, fmt.Errorf("invalid protocol %q", s)
	}
}

// Mapping is one relay rule: traffic arriving at Bind is forwarded to Dest,
// and sockets facing Dest are tagged with Priority.
type Mapping struct {
	Proto    Protocol
	Bind     netip.AddrPort
	Dest     netip.AddrPort
	Priority uint8
}

// String returns the mapping in the form used by the mapping file.
func (m Mapping) String() string {
	return fmt.Sprintf("%s | %d | %s -> %s", m.Proto, m.Priority, m.Bind, m.Dest)
}

// Key returns a short "bind/proto" identifier, as used in log fields and
// events.
func (m Mapping) Key() string {
	return m.Bind.String() + "/" + m.Proto.String()
}
