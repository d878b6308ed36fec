//go:build linux

package worker_test

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sys/unix"

	"github.com/denisvmedia/reactorproxy/internal/sock"
	"github.com/denisvmedia/reactorproxy/internal/worker"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func TestWorker_relaysPlaintextRequestToUpstream(t *testing.T) {
	c := qt.New(t)

	clientFd, clientPeerFd := socketpair(t)
	t.Cleanup(func() { _ = unix.Close(clientPeerFd) })

	upstreamFd, upstreamPeerFd := socketpair(t)
	t.Cleanup(func() { _ = unix.Close(upstreamPeerFd) })
	c.Assert(unix.SetNonblock(upstreamPeerFd, true), qt.IsNil)

	dial := func(host string, port int) (int, error) { return upstreamFd, nil }

	w, err := worker.New(nil, false, nil, worker.WithDialer(dial))
	c.Assert(err, qt.IsNil)
	t.Cleanup(func() { _ = w.Close() })

	client, err := sock.NewConn(clientFd, sock.TagClient, "client-peer", uuid.NewV4())
	c.Assert(err, qt.IsNil)
	w.Enqueue(client)

	request := "GET http://example.test/ HTTP/1.1\r\nHost: example.test\r\n\r\n"
	_, err = unix.Write(clientPeerFd, []byte(request))
	c.Assert(err, qt.IsNil)

	deadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 256)
	var got string
	for time.Now().Before(deadline) {
		c.Assert(w.Tick(), qt.IsNil)

		if n, err := unix.Read(upstreamPeerFd, buf); err == nil && n > 0 {
			got = string(buf[:n])
			break
		} else if err != nil && !isWouldBlock(err) {
			t.Fatalf("read upstream peer: %v", err)
		}
	}

	c.Assert(got, qt.Equals, request)
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
