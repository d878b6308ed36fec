package session_test

import (
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sys/unix"

	"github.com/denisvmedia/reactorproxy/internal/session"
	"github.com/denisvmedia/reactorproxy/internal/sock"
)

var errDialAlwaysFails = errors.New("dial always fails")

// pipe returns a connected socketpair; fds[0] is handed to the Connection
// under test, fds[1] is the simulated remote peer the test drives directly.
func pipe(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func newTestSession(t *testing.T, mitm bool, dial session.Dialer) (*session.Session, int) {
	t.Helper()
	clientFd, clientPeerFd := pipe(t)
	t.Cleanup(func() { _ = unix.Close(clientPeerFd) })

	client, err := sock.NewConn(clientFd, sock.TagClient, "client-peer", uuid.NewV4())
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	s := session.New(client, nil, mitm, nil, dial)
	return s, clientPeerFd
}

func fakeDialer(upstreamPeerFd *int) session.Dialer {
	return func(host string, port int) (int, error) {
		fd, peer, err := socketpairFds()
		if err != nil {
			return -1, err
		}
		*upstreamPeerFd = peer
		return fd, nil
	}
}

func socketpairFds() (int, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func TestPlaintextGET_relaysToUpstream(t *testing.T) {
	c := qt.New(t)
	var upstreamPeerFd int
	s, clientPeerFd := newTestSession(t, false, fakeDialer(&upstreamPeerFd))
	t.Cleanup(func() {
		if upstreamPeerFd != 0 {
			_ = unix.Close(upstreamPeerFd)
		}
	})

	request := "GET http://example.test/ HTTP/1.1\r\nHost: example.test\r\n\r\n"
	_, err := unix.Write(clientPeerFd, []byte(request))
	c.Assert(err, qt.IsNil)

	c.Assert(s.HandleReadable(session.SideClient), qt.IsNil)
	c.Assert(s.State(), qt.Equals, session.StateRelaying)
	c.Assert(s.Upstream, qt.IsNotNil)

	pending := s.TakePendingUpstream()
	c.Assert(pending, qt.Equals, s.Upstream)
	c.Assert(s.TakePendingUpstream(), qt.IsNil)

	c.Assert(s.HandleWritable(session.SideUpstream), qt.IsNil)

	buf := make([]byte, 256)
	n, err := unix.Read(upstreamPeerFd, buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf[:n]), qt.Equals, request)
}

func TestConnectTunnel_sendsEstablishedAndRelays(t *testing.T) {
	c := qt.New(t)
	var upstreamPeerFd int
	s, clientPeerFd := newTestSession(t, false, fakeDialer(&upstreamPeerFd))
	t.Cleanup(func() {
		if upstreamPeerFd != 0 {
			_ = unix.Close(upstreamPeerFd)
		}
	})

	request := "CONNECT example.test:443 HTTP/1.1\r\n\r\n"
	_, err := unix.Write(clientPeerFd, []byte(request))
	c.Assert(err, qt.IsNil)

	c.Assert(s.HandleReadable(session.SideClient), qt.IsNil)
	c.Assert(s.State(), qt.Equals, session.StateRelaying)

	c.Assert(s.HandleWritable(session.SideClient), qt.IsNil)

	buf := make([]byte, 256)
	n, err := unix.Read(clientPeerFd, buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf[:n]), qt.Equals, "HTTP/1.1 200 Connection Established\r\n\r\n")

	// Now in relaying state: bytes from client forward to upstream.
	_, err = unix.Write(clientPeerFd, []byte("payload"))
	c.Assert(err, qt.IsNil)
	c.Assert(s.HandleReadable(session.SideClient), qt.IsNil)
	c.Assert(s.HandleWritable(session.SideUpstream), qt.IsNil)

	n, err = unix.Read(upstreamPeerFd, buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf[:n]), qt.Equals, "payload")
}

func TestDialFailure_closesClient(t *testing.T) {
	c := qt.New(t)

	s, clientPeerFd := newTestSession(t, false, func(host string, port int) (int, error) {
		return -1, errDialAlwaysFails
	})

	_, err := unix.Write(clientPeerFd, []byte("CONNECT example.test:443 HTTP/1.1\r\n\r\n"))
	c.Assert(err, qt.IsNil)

	c.Assert(s.HandleReadable(session.SideClient), qt.IsNil)
	c.Assert(s.State(), qt.Equals, session.StateTerminal)
	c.Assert(s.Client.IsClosed(), qt.IsTrue)
}

func TestPeerEOF_flushesOppositeSideAndClosesLocalSide(t *testing.T) {
	c := qt.New(t)
	var upstreamPeerFd int
	s, clientPeerFd := newTestSession(t, false, fakeDialer(&upstreamPeerFd))
	t.Cleanup(func() {
		if upstreamPeerFd != 0 {
			_ = unix.Close(upstreamPeerFd)
		}
	})

	_, err := unix.Write(clientPeerFd, []byte("CONNECT example.test:443 HTTP/1.1\r\n\r\n"))
	c.Assert(err, qt.IsNil)
	c.Assert(s.HandleReadable(session.SideClient), qt.IsNil)
	c.Assert(s.HandleWritable(session.SideClient), qt.IsNil) // drain the 200 line

	// Queue bytes for the client before the upstream hangs up, to prove
	// flush_close drains them instead of discarding.
	s.Client.Push([]byte("draining"))

	c.Assert(unix.Close(upstreamPeerFd), qt.IsNil)
	upstreamPeerFd = 0

	c.Assert(s.HandleReadable(session.SideUpstream), qt.IsNil)
	c.Assert(s.Upstream.IsClosed(), qt.IsTrue)
	c.Assert(s.Client.IsClosed(), qt.IsFalse)
	c.Assert(s.Client.IsReadClosed(), qt.IsTrue)

	_, err = s.Client.SendBuffered()
	c.Assert(err, qt.IsNil)
	c.Assert(s.Client.IsClosed(), qt.IsTrue)
}
