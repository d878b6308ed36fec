// Package sock implements the non-blocking Connection wrapper: a single
// socket plus the outbound buffer, half-close bookkeeping and on-demand
// TLS upgrade the reactor needs around it.
package sock

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock signals that a socket operation returned with zero bytes
// transferred because the socket isn't ready; the caller must retain its
// multiplexer registration and wait for the next readiness notification.
var ErrWouldBlock = errors.New("sock: would block")

const recvChunk = 16 * 1024

// Conn is a thin stateful wrapper over a non-blocking byte-stream socket.
// It is safe for use by a single Worker goroutine only; it is not
// internally synchronized beyond the atomics needed so an Acceptor and a
// Worker can observe a shared closed/read-closed flag without a data race.
type Conn struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Tag       Tag
	PeerAddr  string
	// Hostname is the intended destination for an upstream Connection
	// (used for TLS SNI and leaf-cert generation); always empty for client
	// Connections.
	Hostname string

	fd int

	outBuf bytes.Buffer

	// preface holds bytes already pulled out of the socket by Recv but
	// belonging to a later protocol phase (e.g. a client's TLS
	// ClientHello arriving before the session has deferred-wrapped it).
	// WrapTLS replays it into the handshake before reading any further
	// bytes off the wire, so Unread callers never lose data across the
	// plaintext-to-TLS transition.
	preface []byte

	subscribed EventMask

	tlsConn    *tlsConn
	tlsActive  atomic.Bool
	readClosed atomic.Bool
	closed     atomic.Bool
}

// NewConn wraps an already-accepted or already-dialed file descriptor,
// switching it to non-blocking mode.
func NewConn(fd int, tag Tag, peerAddr string, sessionID uuid.UUID) (*Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("sock: set nonblocking: %w", err)
	}
	return &Conn{
		ID:        uuid.NewV4(),
		SessionID: sessionID,
		Tag:       tag,
		PeerAddr:  peerAddr,
		fd:        fd,
	}, nil
}

// Fd returns the underlying file descriptor, for Event Manager registration.
func (c *Conn) Fd() int { return c.fd }

// IsClosed reports whether the connection has reached its terminal state.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// IsReadClosed reports whether no further reads will be attempted.
func (c *Conn) IsReadClosed() bool { return c.readClosed.Load() }

// HasBuffer reports whether any bytes are still pending in the outbound
// buffer.
func (c *Conn) HasBuffer() bool { return c.outBuf.Len() > 0 }

// SubscribedEvents returns the event mask last registered with the
// multiplexer for this connection.
func (c *Conn) SubscribedEvents() EventMask { return c.subscribed }

// SetSubscribedEvents records the mask currently registered with the
// multiplexer; it does not itself touch the multiplexer.
func (c *Conn) SetSubscribedEvents(mask EventMask) { c.subscribed = mask }

// DesiredEvents computes the mask this connection should be subscribed to
// given its current state: readable unless read-closed or closed, writable
// whenever bytes are queued to send.
func (c *Conn) DesiredEvents() EventMask {
	if c.closed.Load() {
		return EventNone
	}
	var mask EventMask
	if !c.readClosed.Load() {
		mask |= EventReadable
	}
	if c.HasBuffer() {
		mask |= EventWritable
	}
	return mask
}

// Recv drains all currently readable bytes. It returns (data, nil) for a
// normal read, (nil, ErrWouldBlock) if nothing was available yet, and
// (data, io.EOF) when the peer has closed its write side — data may be
// non-empty if bytes arrived in the same readiness notification as the
// EOF.
func (c *Conn) Recv() ([]byte, error) {
	var out []byte
	buf := make([]byte, recvChunk)

	for {
		n, err := c.rawRead(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			if isWouldBlock(err) {
				if len(out) == 0 {
					return nil, ErrWouldBlock
				}
				return out, nil
			}
			return out, err
		}
		if n == 0 {
			return out, io.EOF
		}
		// Keep reading regardless of how much this call returned: per
		// spec §4.2, Recv only stops once the socket itself signals
		// would-block, not on a short read.
	}
}

// Unread re-queues bytes already pulled out of the socket by Recv so the
// next raw read — including the handshake read WrapTLS performs — sees
// them before any new bytes off the wire. Used when a side's next
// protocol phase (e.g. a TLS ClientHello) arrives before the session has
// actually entered that phase.
func (c *Conn) Unread(data []byte) {
	if len(data) == 0 {
		return
	}
	c.preface = append(c.preface, data...)
}

func (c *Conn) rawRead(buf []byte) (int, error) {
	if len(c.preface) > 0 {
		n := copy(buf, c.preface)
		c.preface = c.preface[n:]
		return n, nil
	}
	if c.tlsConn != nil {
		return c.tlsConn.Read(buf)
	}
	for {
		n, err := unix.Read(c.fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// Push appends data to the outbound buffer.
func (c *Conn) Push(data []byte) {
	c.outBuf.Write(data)
}

// SendBuffered attempts to write as much of the outbound buffer as the
// socket accepts in one call, advancing the buffer and returning the
// number of bytes written. If the socket has drained and read-closed was
// set, the connection transitions to closed once the buffer empties.
func (c *Conn) SendBuffered() (int, error) {
	if c.outBuf.Len() == 0 {
		return 0, nil
	}
	n, err := c.rawWrite(c.outBuf.Bytes())
	if n > 0 {
		c.outBuf.Next(n)
	}
	if err != nil {
		if isWouldBlock(err) {
			return n, nil
		}
		return n, err
	}
	if c.readClosed.Load() && c.outBuf.Len() == 0 {
		return n, c.Close()
	}
	return n, nil
}

func (c *Conn) rawWrite(data []byte) (int, error) {
	if c.tlsConn != nil {
		return c.tlsConn.Write(data)
	}
	for {
		n, err := unix.Write(c.fd, data)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// FlushClose closes immediately if the outbound buffer is already empty;
// otherwise it marks the connection read-closed so pending writes still
// drain, transitioning to closed once SendBuffered empties the buffer.
func (c *Conn) FlushClose() error {
	if c.outBuf.Len() == 0 {
		return c.Close()
	}
	c.readClosed.Store(true)
	return nil
}

// Close releases the socket and marks the connection terminal. Calling
// Close more than once is a no-op.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	slog.With("in", "Conn.Close", "tag", c.Tag.String(), "peer", c.PeerAddr).
		Debug("closing connection")
	return unix.Close(c.fd)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
