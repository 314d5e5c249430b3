package relay

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/portrelay/portrelay/daemon/events"
	"github.com/portrelay/portrelay/daemon/mapping"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// UDPPacketSize is the largest datagram the relay can receive.
const UDPPacketSize = 65535

// UDPEngine relays datagrams between a single client and the destination.
// One invocation of Run is one session: the first sender other than the
// destination becomes the client, and stays the client until the session
// ends.
type UDPEngine struct {
	mapping mapping.Mapping
	opts    Options
}

// NewUDPEngine returns an engine for the UDP mapping m.
func NewUDPEngine(m mapping.Mapping, opts Options) *UDPEngine {
	return &UDPEngine{mapping: m, opts: opts.withDefaults()}
}

// udpSession is the state of one UDPEngine invocation. The zero client
// means no client has been learned yet.
type udpSession struct {
	conn   *net.UDPConn
	dest   netip.AddrPort
	client netip.AddrPort
}

func (s *udpSession) awaitingClient() bool {
	return !s.client.IsValid()
}

// Run binds the mapping's socket and relays one session. It returns nil
// when either peer sends a zero-length datagram or ctx is cancelled, and an
// error if the socket fails.
func (e *UDPEngine) Run(ctx context.Context) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", e.mapping.Bind.String())
	if err != nil {
		return &BindError{Proto: mapping.UDP, Addr: e.mapping.Bind, Err: err}
	}
	conn := pc.(*net.UDPConn)
	defer conn.Close()

	if err := e.opts.SetPriority(conn, e.mapping.Priority); err != nil {
		return errors.Wrapf(err, "failed to set priority on %s", e.mapping.Bind)
	}
	e.opts.Events.Log(events.ActionPriority, e.mapping.Key(), conn.LocalAddr().String(), map[string]string{
		"priority": strconv.Itoa(int(e.mapping.Priority)),
	})
	log.G(ctx).WithField("addr", conn.LocalAddr().String()).Info("Listening for UDP datagrams")
	e.opts.Events.Log(events.ActionListen, e.mapping.Key(), "", map[string]string{"addr": conn.LocalAddr().String()})

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s := &udpSession{conn: conn, dest: unmap(e.mapping.Dest)}
	err = e.relay(ctx, s)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *UDPEngine) relay(ctx context.Context, s *udpSession) error {
	var (
		buf     = make([]byte, UDPPacketSize)
		logDrop = rate.Sometimes{Interval: time.Second}
		span    trace.Span
	)
	defer func() {
		if span != nil {
			span.End()
		}
	}()

	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return errors.Wrapf(err, "failed to receive on %s", e.mapping.Bind)
		}
		from = unmap(from)

		if n == 0 {
			// Only the session peers may end a relaying session. An empty
			// datagram from anyone else is dropped like any other.
			if !s.awaitingClient() && from != s.client && from != s.dest {
				e.drop(ctx, &logDrop, from)
				continue
			}
			log.G(ctx).WithField("from", from.String()).Debug("Zero-length datagram received, ending UDP session")
			e.opts.Events.Log(events.ActionSessionEnd, e.mapping.Key(), from.String(), nil)
			return nil
		}

		var to netip.AddrPort
		switch {
		case s.awaitingClient() && from == s.dest:
			// Nobody to deliver to yet.
			e.drop(ctx, &logDrop, from)
			continue
		case s.awaitingClient():
			s.client = from
			sessionsTotal.Inc()
			_, span = tracer.Start(ctx, "relay.udp.session", trace.WithAttributes(
				attribute.String("relay.bind", e.mapping.Bind.String()),
				attribute.String("relay.dest", e.mapping.Dest.String()),
				attribute.String("relay.client", from.String()),
			))
			log.G(ctx).WithField("client", from.String()).Debug("Learned UDP client")
			e.opts.Events.Log(events.ActionClientLearned, e.mapping.Key(), from.String(), nil)
			to = s.dest
		case from == s.dest:
			to = s.client
		case from == s.client:
			to = s.dest
		default:
			e.drop(ctx, &logDrop, from)
			continue
		}

		if _, err := s.conn.WriteToUDPAddrPort(buf[:n], to); err != nil {
			return errors.Wrapf(err, "failed to send to %s", to)
		}
		direction := directionUpstream
		if to == s.client {
			direction = directionDownstream
		}
		bytesTotal.WithValues(e.mapping.Key(), direction).Inc(float64(n))
	}
}

func (e *UDPEngine) drop(ctx context.Context, sometimes *rate.Sometimes, from netip.AddrPort) {
	datagramsDropped.Inc()
	sometimes.Do(func() {
		log.G(ctx).WithField("from", from.String()).Debug("Dropping datagram from unexpected sender")
	})
	e.opts.Events.Log(events.ActionDrop, e.mapping.Key(), from.String(), nil)
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
