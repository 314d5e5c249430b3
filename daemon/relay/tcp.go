package relay

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/portrelay/portrelay/daemon/events"
	"github.com/portrelay/portrelay/daemon/mapping"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const maxAcceptDelay = time.Second

// TCPEngine accepts connections on the mapping's bind address and forwards
// each one to the destination.
//
// Accepted clients are queued for a connect slot; at most ConnectSlots
// connections to the destination are being set up at any time, while the
// accept loop keeps accepting until the queue is full. A slow or unreachable
// destination therefore never stalls acceptance of new clients.
type TCPEngine struct {
	mapping mapping.Mapping
	opts    Options
}

// NewTCPEngine returns an engine for the TCP mapping m.
func NewTCPEngine(m mapping.Mapping, opts Options) *TCPEngine {
	return &TCPEngine{mapping: m, opts: opts.withDefaults()}
}

// Run listens and relays until ctx is cancelled, in which case it returns
// nil after closing every connection, or until the listener fails.
func (e *TCPEngine) Run(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", e.mapping.Bind.String())
	if err != nil {
		return &BindError{Proto: mapping.TCP, Addr: e.mapping.Bind, Err: err}
	}
	ln := l.(*net.TCPListener)
	log.G(ctx).WithField("addr", ln.Addr().String()).Info("Listening for TCP connections")
	e.opts.Events.Log(events.ActionListen, e.mapping.Key(), "", map[string]string{"addr": ln.Addr().String()})

	var (
		conns   sync.WaitGroup
		pending = make(chan *net.TCPConn, e.opts.PendingQueue)
	)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	group.Go(func() error {
		defer close(pending)
		return e.acceptLoop(gctx, ln, pending)
	})
	group.Go(func() error {
		e.dispatch(gctx, pending, &conns)
		return nil
	})
	err = group.Wait()
	conns.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *TCPEngine) acceptLoop(ctx context.Context, ln *net.TCPListener, pending chan<- *net.TCPConn) error {
	var delay time.Duration
	for {
		client, err := ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !isTemporaryAcceptError(err) {
				return errors.Wrapf(err, "accept() failed on %s", e.mapping.Bind)
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			log.G(ctx).WithError(err).Warnf("Accept error, retrying in %v", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		delay = 0

		peer := client.RemoteAddr().String()
		connectionsTotal.WithValues(e.mapping.Key()).Inc()
		log.G(ctx).WithField("client", peer).Debug("Accepted connection")
		e.opts.Events.Log(events.ActionAccept, e.mapping.Key(), peer, nil)

		select {
		case pending <- client:
		case <-ctx.Done():
			client.Close()
			return nil
		}
	}
}

// dispatch hands queued clients to connect workers, never running more than
// ConnectSlots connects at once. It returns when pending is closed.
func (e *TCPEngine) dispatch(ctx context.Context, pending <-chan *net.TCPConn, conns *sync.WaitGroup) {
	slots := semaphore.NewWeighted(int64(e.opts.ConnectSlots))
	for client := range pending {
		if err := slots.Acquire(ctx, 1); err != nil {
			client.Close()
			continue
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			dst := e.connect(ctx, client)
			slots.Release(1)
			if dst == nil {
				return
			}
			e.forward(ctx, client, dst)
		}()
	}
}

// connect dials the destination for client and tags the new socket with
// the mapping's priority. On failure client is closed and nil is returned.
func (e *TCPEngine) connect(ctx context.Context, client *net.TCPConn) *net.TCPConn {
	logger := log.G(ctx).WithField("client", client.RemoteAddr().String())

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", e.mapping.Dest.String())
	if err != nil {
		client.Close()
		if ctx.Err() != nil {
			return nil
		}
		connectErrors.WithValues(e.mapping.Key()).Inc()
		logger.WithError(err).Warnf("Unable to connect to %s", e.mapping.Dest)
		e.opts.Events.Log(events.ActionConnectFailed, e.mapping.Key(), client.RemoteAddr().String(), map[string]string{"error": err.Error()})
		return nil
	}
	dst := c.(*net.TCPConn)

	if err := e.opts.SetPriority(dst, e.mapping.Priority); err != nil {
		logger.WithError(err).Errorf("Failed to set priority on connection to %s, dropping connection", e.mapping.Dest)
		client.Close()
		dst.Close()
		return nil
	}
	e.opts.Events.Log(events.ActionPriority, e.mapping.Key(), dst.LocalAddr().String(), map[string]string{
		"priority": strconv.Itoa(int(e.mapping.Priority)),
	})

	logger.WithField("local", dst.LocalAddr().String()).Debug("Established TCP relay")
	e.opts.Events.Log(events.ActionConnect, e.mapping.Key(), client.RemoteAddr().String(), nil)
	return dst
}

// forward relays bytes between client and dst until the connection ends.
// Errors are logged and never escalate to the engine.
func (e *TCPEngine) forward(ctx context.Context, client, dst *net.TCPConn) {
	peer := client.RemoteAddr().String()
	ctx, span := tracer.Start(ctx, "relay.tcp.forward", trace.WithAttributes(
		attribute.String("relay.bind", e.mapping.Bind.String()),
		attribute.String("relay.dest", e.mapping.Dest.String()),
		attribute.String("relay.client", peer),
	))
	defer span.End()

	gauge := activeConnections.WithValues(e.mapping.Key())
	gauge.Inc()
	defer gauge.Dec()

	// Unblock both copies when the engine shuts down.
	stop := context.AfterFunc(ctx, func() {
		client.Close()
		dst.Close()
	})
	defer stop()

	up, down, err := pipe(client, dst, e.opts.HalfClose)
	client.Close()
	dst.Close()

	bytesTotal.WithValues(e.mapping.Key(), directionUpstream).Inc(float64(up))
	bytesTotal.WithValues(e.mapping.Key(), directionDownstream).Inc(float64(down))
	span.SetAttributes(attribute.Int64("relay.bytes.upstream", up), attribute.Int64("relay.bytes.downstream", down))

	logger := log.G(ctx).WithFields(log.Fields{
		"client":     peer,
		"upstream":   units.BytesSize(float64(up)),
		"downstream": units.BytesSize(float64(down)),
	})
	if err != nil && ctx.Err() == nil {
		span.SetStatus(codes.Error, err.Error())
		logger.WithError(err).Debug("TCP relay ended with an error")
	} else {
		logger.Debug("TCP relay closed")
	}
	e.opts.Events.Log(events.ActionDisconnect, e.mapping.Key(), peer, map[string]string{
		"upstream":   strconv.FormatInt(up, 10),
		"downstream": strconv.FormatInt(down, 10),
	})
}

type copyResult struct {
	direction string
	n         int64
	err       error
}

// pipe copies in both directions at once. Without halfClose the first
// direction to finish closes both sockets, which ends the other copy at its
// next read or write. With halfClose an EOF is passed on as a write-side
// shutdown and pipe waits for the other direction to finish by itself.
//
// pipe always waits for both copies to return.
func pipe(client, dst *net.TCPConn, halfClose bool) (up, down int64, _ error) {
	results := make(chan copyResult, 2)
	go copyStream(results, directionUpstream, dst, client, halfClose)
	go copyStream(results, directionDownstream, client, dst, halfClose)

	first := <-results
	if !halfClose || first.err != nil {
		client.Close()
		dst.Close()
	}
	second := <-results

	for _, r := range []copyResult{first, second} {
		if r.direction == directionUpstream {
			up = r.n
		} else {
			down = r.n
		}
	}
	if first.err != nil {
		return up, down, errors.Wrapf(first.err, "%s copy failed", first.direction)
	}
	if halfClose && second.err != nil {
		return up, down, errors.Wrapf(second.err, "%s copy failed", second.direction)
	}
	return up, down, nil
}

func copyStream(results chan<- copyResult, direction string, to, from *net.TCPConn, halfClose bool) {
	n, err := io.Copy(to, from)
	if err == nil && halfClose {
		err = to.CloseWrite()
	}
	results <- copyResult{direction: direction, n: n, err: err}
}
