// Package relay forwards traffic for a set of port mappings. Each mapping
// is served by its own [Supervisor], which runs the protocol's engine and
// restarts it whenever it fails.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/portrelay/portrelay/daemon/mapping"
)

// Run starts one supervisor per mapping and blocks until ctx is cancelled
// and every supervisor has stopped.
func Run(ctx context.Context, mappings []mapping.Mapping, opts Options) error {
	if len(mappings) == 0 {
		return errdefs.ErrInvalidArgument.WithMessage("no mappings configured")
	}
	opts = opts.withDefaults()

	supervisors := make([]*Supervisor, 0, len(mappings))
	for _, m := range mappings {
		engine, err := newEngine(m, opts)
		if err != nil {
			return err
		}
		supervisors = append(supervisors, NewSupervisor(m, engine, opts))
	}

	var wg sync.WaitGroup
	for _, s := range supervisors {
		wg.Go(func() {
			_ = s.Run(ctx)
		})
	}
	wg.Wait()
	return nil
}

func newEngine(m mapping.Mapping, opts Options) (Engine, error) {
	switch m.Proto {
	case mapping.TCP:
		return NewTCPEngine(m, opts), nil
	case mapping.UDP:
		return NewUDPEngine(m, opts), nil
	default:
		return nil, errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("unsupported protocol %s", m.Proto))
	}
}
