package acceptor_test

import (
	"net"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/denisvmedia/reactorproxy/internal/acceptor"
	"github.com/denisvmedia/reactorproxy/internal/sock"
)

type fakeIntake struct {
	mu      sync.Mutex
	conns   []*sock.Conn
	enqueue chan struct{}
}

func newFakeIntake() *fakeIntake {
	return &fakeIntake{enqueue: make(chan struct{}, 1)}
}

func (f *fakeIntake) Enqueue(c *sock.Conn) {
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	f.enqueue <- struct{}{}
}

func (f *fakeIntake) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func TestAcceptorBindsLoopbackAndAcceptsClients(t *testing.T) {
	c := qt.New(t)

	a, err := acceptor.New(0)
	c.Assert(err, qt.IsNil)

	tcpAddr, ok := a.Addr().(*net.TCPAddr)
	c.Assert(ok, qt.IsTrue)
	c.Assert(tcpAddr.IP.IsLoopback(), qt.IsTrue)

	intake := newFakeIntake()
	done := make(chan error, 1)
	go func() { done <- a.Run(intake) }()

	conn, err := net.Dial("tcp", a.Addr().String())
	c.Assert(err, qt.IsNil)
	t.Cleanup(func() { _ = conn.Close() })

	<-intake.enqueue

	c.Assert(a.Close(), qt.IsNil)
	c.Assert(<-done, qt.IsNil)

	c.Assert(intake.count(), qt.Equals, 1)
	c.Assert(intake.conns[0].Tag, qt.Equals, sock.TagClient)
}
