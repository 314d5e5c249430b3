package relay

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/portrelay/portrelay/daemon/events"
	"github.com/portrelay/portrelay/daemon/mapping"
)

// Engine is the protocol-specific relay for one mapping. Run blocks until
// the engine fails, ctx is cancelled, or (UDP only) the session ends.
type Engine interface {
	Run(ctx context.Context) error
}

// State is the state of a Supervisor.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateBackingOff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateBackingOff:
		return "backing-off"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Supervisor owns one mapping and keeps its engine running. A failed engine
// is restarted after a fixed delay, forever.
type Supervisor struct {
	mapping mapping.Mapping
	engine  Engine
	delay   time.Duration
	clock   clock.Clock
	events  *events.Events

	mu       sync.Mutex
	state    State
	restarts int
}

// NewSupervisor returns a supervisor running engine for m.
func NewSupervisor(m mapping.Mapping, engine Engine, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		mapping: m,
		engine:  engine,
		delay:   opts.RestartDelay,
		clock:   opts.Clock,
		events:  opts.Events,
		state:   StateStarting,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts returns how many times the engine failed and was restarted.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run runs the engine until ctx is cancelled. It only returns then, once
// the engine has stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"proto": s.mapping.Proto.String(),
		"bind":  s.mapping.Bind.String(),
		"dest":  s.mapping.Dest.String(),
	}))
	defer s.setState(StateStopped)

	for {
		s.setState(StateStarting)
		if ctx.Err() != nil {
			return nil
		}
		s.setState(StateRunning)
		err := s.engine.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if err == nil {
			log.G(ctx).Info("Relay session ended, starting a new one")
			continue
		}

		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		engineRestarts.WithValues(s.mapping.Key()).Inc()
		log.G(ctx).WithError(err).Errorf("Relay %s -> %s failed, retrying in %s", s.mapping.Bind, s.mapping.Dest, s.delay)
		s.events.Log(events.ActionRestart, s.mapping.Key(), "", map[string]string{"error": err.Error()})

		s.setState(StateBackingOff)
		timer := s.clock.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C():
		}
	}
}
