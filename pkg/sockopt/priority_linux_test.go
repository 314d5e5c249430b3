package sockopt

import (
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/skip"
)

func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	l, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	assert.NilError(t, err)
	defer l.Close()

	client, err := net.DialTCP("tcp4", nil, l.Addr().(*net.TCPAddr))
	assert.NilError(t, err)
	t.Cleanup(func() { client.Close() })

	server, err := l.AcceptTCP()
	assert.NilError(t, err)
	t.Cleanup(func() { server.Close() })
	return client, server
}

func TestSetPriorityTCP(t *testing.T) {
	client, _ := tcpPair(t)

	prio, err := Priority(client)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(prio, 0))

	assert.NilError(t, SetPriority(client, 5))
	prio, err = Priority(client)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(prio, 5))
}

func TestSetPriorityUDP(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	assert.NilError(t, err)
	defer conn.Close()

	assert.NilError(t, SetPriority(conn, 6))
	prio, err := Priority(conn)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(prio, 6))
}

func TestSetPriorityPrivileged(t *testing.T) {
	skip.If(t, os.Getuid() == 0, "root may set any priority")

	client, _ := tcpPair(t)
	err := SetPriority(client, 200)
	assert.Check(t, is.ErrorContains(err, "failed to set SO_PRIORITY=200"))

	var serr *Error
	assert.Assert(t, errors.As(err, &serr))
	assert.Check(t, errors.Is(err, syscall.EPERM), "got: %v", err)
}

func TestSetPriorityClosed(t *testing.T) {
	client, _ := tcpPair(t)
	assert.NilError(t, client.Close())

	err := SetPriority(client, 1)
	assert.Check(t, is.ErrorContains(err, "SO_PRIORITY"))
}
