package relay

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/portrelay/portrelay/daemon/events"
	"github.com/portrelay/portrelay/daemon/mapping"
	"gotest.tools/v3/assert"
)

var testBuf = []byte("Buffalo buffalo Buffalo buffalo buffalo buffalo Buffalo buffalo")

const testTimeout = 5 * time.Second

type echoServerOptions struct {
	halfClose bool
}

// tcpEchoServer echoes everything it reads back to the sender.
type tcpEchoServer struct {
	listener *net.TCPListener
	t        *testing.T
	opts     echoServerOptions
	accepted chan *net.TCPConn
}

func newTCPEchoServer(t *testing.T, address string, opts echoServerOptions) *tcpEchoServer {
	t.Helper()
	l, err := net.Listen("tcp", address)
	assert.NilError(t, err)
	s := &tcpEchoServer{listener: l.(*net.TCPListener), t: t, opts: opts, accepted: make(chan *net.TCPConn, 128)}
	t.Cleanup(s.Close)
	go s.run()
	return s
}

func (s *tcpEchoServer) run() {
	for {
		client, err := s.listener.AcceptTCP()
		if err != nil {
			return
		}
		select {
		case s.accepted <- client:
		default:
		}
		go func() {
			if s.opts.halfClose {
				data, err := io.ReadAll(client)
				if err != nil {
					s.t.Logf("io.ReadAll() failed for the client: %v", err)
				}
				if _, err := client.Write(data); err != nil {
					s.t.Logf("can't echo to the client: %v", err)
				}
				client.CloseWrite()
				return
			}
			if _, err := io.Copy(client, client); err != nil {
				s.t.Logf("can't echo to the client: %v", err)
			}
			client.Close()
		}()
	}
}

func (s *tcpEchoServer) addrPort() netip.AddrPort {
	return s.listener.Addr().(*net.TCPAddr).AddrPort()
}

func (s *tcpEchoServer) Close() { s.listener.Close() }

// udpEchoServer sends every datagram back to where it came from.
type udpEchoServer struct {
	conn     *net.UDPConn
	received chan []byte
}

func newUDPEchoServer(t *testing.T, address string) *udpEchoServer {
	t.Helper()
	pc, err := net.ListenPacket("udp", address)
	assert.NilError(t, err)
	s := &udpEchoServer{conn: pc.(*net.UDPConn), received: make(chan []byte, 16)}
	t.Cleanup(s.Close)
	go s.run()
	return s
}

func (s *udpEchoServer) run() {
	buf := make([]byte, UDPPacketSize)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case s.received <- data:
		default:
		}
		if n == 0 {
			continue
		}
		if _, err := s.conn.WriteToUDPAddrPort(data, from); err != nil {
			return
		}
	}
}

func (s *udpEchoServer) addrPort() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (s *udpEchoServer) Close() { s.conn.Close() }

// freePort returns a loopback address nothing is listening on.
func freePort(t *testing.T) netip.AddrPort {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	addr := l.Addr().(*net.TCPAddr).AddrPort()
	assert.NilError(t, l.Close())
	return addr
}

func loopbackMapping(proto mapping.Protocol, dest netip.AddrPort, priority uint8) mapping.Mapping {
	return mapping.Mapping{
		Proto:    proto,
		Bind:     netip.MustParseAddrPort("127.0.0.1:0"),
		Dest:     dest,
		Priority: priority,
	}
}

type runningEngine struct {
	addr   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// stop cancels the engine and returns what Run returned.
func (r *runningEngine) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case <-r.done:
		return r.err
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for the engine to stop")
		return nil
	}
}

// startEngine runs engine in the background and waits until it reports the
// address it is listening on.
func startEngine(t *testing.T, engine Engine, ev *events.Events) *runningEngine {
	t.Helper()
	_, l := ev.SubscribeTopic(func(m events.Message) bool {
		return m.Action == events.ActionListen
	})
	defer ev.Evict(l)

	ctx, cancel := context.WithCancel(context.Background())
	r := &runningEngine{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.err = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})

	select {
	case msg := <-l:
		r.addr = msg.(events.Message).Attributes["addr"]
	case <-r.done:
		t.Fatalf("engine exited before listening: %v", r.err)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for the engine to listen")
	}
	return r
}

// waitEvent waits for the next message on l with the given action.
func waitEvent(t *testing.T, l chan interface{}, action events.Action) events.Message {
	t.Helper()
	timeout := time.After(testTimeout)
	for {
		select {
		case v := <-l:
			if msg := v.(events.Message); msg.Action == action {
				return msg
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s event", action)
			return events.Message{}
		}
	}
}
