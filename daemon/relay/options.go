package relay

import (
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/portrelay/portrelay/daemon/events"
	"github.com/portrelay/portrelay/pkg/sockopt"
)

const (
	// DefaultRestartDelay is how long a supervisor waits after an engine
	// failure before starting it again.
	DefaultRestartDelay = 3 * time.Second
	// DefaultConnectSlots bounds concurrent connect-to-destination attempts
	// per TCP mapping.
	DefaultConnectSlots = 4
	// DefaultPendingQueue is how many accepted TCP clients may wait for a
	// connect slot before the accept loop stops accepting.
	DefaultPendingQueue = 64
)

// Options configure the engines and supervisors started by [Run]. Zero
// values are replaced by defaults.
type Options struct {
	RestartDelay time.Duration
	ConnectSlots int
	PendingQueue int
	// HalfClose propagates EOF from one side of a TCP connection to the
	// other with a write-side shutdown instead of tearing the whole
	// connection down.
	HalfClose bool

	Clock  clock.Clock
	Events *events.Events
	// SetPriority applies the mapping's priority to destination-facing
	// sockets.
	SetPriority sockopt.PriorityFunc
}

func (o Options) withDefaults() Options {
	if o.RestartDelay <= 0 {
		o.RestartDelay = DefaultRestartDelay
	}
	if o.ConnectSlots <= 0 {
		o.ConnectSlots = DefaultConnectSlots
	}
	if o.PendingQueue <= 0 {
		o.PendingQueue = DefaultPendingQueue
	}
	if o.Clock == nil {
		o.Clock = clock.NewClock()
	}
	if o.Events == nil {
		o.Events = events.New()
	}
	if o.SetPriority == nil {
		o.SetPriority = sockopt.SetPriority
	}
	return o
}
