// Package acceptor implements the listening side of the proxy: it owns
// the bound TCP socket, accepts client connections, tags each one
// "client", and hands it to a Worker's intake queue.
package acceptor

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	uuid "github.com/satori/go.uuid"
	"golang.org/x/sys/unix"

	"github.com/denisvmedia/reactorproxy/internal/sock"
)

// Intake is the subset of *worker.Worker the Acceptor needs: a place to
// hand off newly accepted client Connections. Declared here rather than
// imported so acceptor doesn't need to depend on worker's epoll-only,
// Linux-tagged package.
type Intake interface {
	Enqueue(conn *sock.Conn)
}

// Acceptor owns the listening socket, bound to 127.0.0.1 per spec.md §6,
// and runs the accept loop that feeds a Worker's intake queue.
type Acceptor struct {
	ln net.Listener
}

// New binds a TCP listener on 127.0.0.1:port. Binding is always loopback-
// only: spec.md §6 states the proxy never listens on a non-loopback
// address.
func New(port int) (*Acceptor, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen: %w", err)
	}
	return &Acceptor{ln: ln}, nil
}

// Addr returns the bound address, useful in tests that listen on port 0.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Close stops accepting new connections.
func (a *Acceptor) Close() error {
	return a.ln.Close()
}

// Run accepts connections in a loop until the listener is closed, handing
// each one to intake as a client-tagged, non-blocking sock.Conn. Run
// returns nil when the listener is closed out from under it (the expected
// shutdown path) and a non-nil error for any other accept failure.
func (a *Acceptor) Run(intake Intake) error {
	logger := slog.With("in", "Acceptor.Run")
	for {
		c, err := a.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("listener closed", "error", err)
				return nil
			}
			return fmt.Errorf("acceptor: accept: %w", err)
		}

		conn, err := a.wrap(c)
		if err != nil {
			logger.Error("failed to wrap accepted connection", "error", err)
			_ = c.Close()
			continue
		}
		intake.Enqueue(conn)
	}
}

// wrap extracts the raw file descriptor from an accepted net.Conn and
// wraps it in a client-tagged sock.Conn, the same dup-and-detach pattern
// internal/session.DialTCP uses for the upstream side.
func (a *Acceptor) wrap(c net.Conn) (*sock.Conn, error) {
	tcpConn, ok := c.(*net.TCPConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("acceptor: unexpected connection type %T", c)
	}
	defer tcpConn.Close()

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var fd int
	var dupErr error
	if err := raw.Control(func(sysfd uintptr) {
		fd, dupErr = unix.Dup(int(sysfd))
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, dupErr
	}

	sessionID := uuid.NewV4()
	conn, err := sock.NewConn(fd, sock.TagClient, c.RemoteAddr().String(), sessionID)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return conn, nil
}
