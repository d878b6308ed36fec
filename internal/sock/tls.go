package sock

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/denisvmedia/reactorproxy/cert"
	"github.com/denisvmedia/reactorproxy/internal/helper"
)

// tlsConn is the reader/writer Conn.rawRead/rawWrite dispatch to once a
// socket has been TLS-wrapped. It is a thin rename of *tls.Conn kept as a
// distinct type so Conn's zero value (tlsConn == nil) cleanly means
// "plaintext".
type tlsConn = tls.Conn

// WrapTLS switches the connection to TLS. For a client-tagged connection
// it obtains a leaf certificate from ca and performs a server-side
// handshake; for an upstream-tagged connection it performs a client-side
// handshake using hostname for SNI and verifies against system roots. The
// handshake runs with the fd temporarily set back to blocking mode — doing
// a record-layer handshake against a non-blocking fd would require crypto/tls
// to tolerate partial reads across multiplexer turns, which it does not.
// Once the handshake completes the fd returns to non-blocking and all
// further Recv/SendBuffered calls go through the *tls.Conn.
//
// WrapTLS is idempotent: calling it again once tls is already active, or
// on a closed connection, is a no-op.
func (c *Conn) WrapTLS(hostname string, ca *cert.CA) error {
	if c.tlsActive.Load() || c.closed.Load() {
		return nil
	}

	if err := unix.SetNonblock(c.fd, false); err != nil {
		return fmt.Errorf("sock: set blocking for handshake: %w", err)
	}
	defer func() {
		_ = unix.SetNonblock(c.fd, true)
	}()

	shim := newFdConn(c.fd, c.PeerAddr, c.preface)
	c.preface = nil

	var conn *tls.Conn
	switch c.Tag {
	case TagClient:
		leaf, err := ca.GetTLSCertificate(hostname)
		if err != nil {
			return fmt.Errorf("sock: leaf certificate for %s: %w", hostname, err)
		}
		conn = tls.Server(shim, &tls.Config{
			Certificates: []tls.Certificate{*leaf},
			ClientAuth:   tls.NoClientCert,
			KeyLogWriter: helper.GetTLSKeyLogWriter(),
		})
	case TagUpstream:
		conn = tls.Client(shim, &tls.Config{
			ServerName:   hostname,
			MinVersion:   tls.VersionTLS12,
			KeyLogWriter: helper.GetTLSKeyLogWriter(),
		})
	default:
		return fmt.Errorf("sock: wrap_tls: unknown tag %v", c.Tag)
	}

	if err := conn.Handshake(); err != nil {
		return fmt.Errorf("sock: tls handshake (%s): %w", c.Tag, err)
	}

	c.tlsConn = conn
	c.tlsActive.Store(true)
	return nil
}

// IsTLSActive reports whether WrapTLS has completed successfully.
func (c *Conn) IsTLSActive() bool { return c.tlsActive.Load() }

// fdConn adapts a raw file descriptor to net.Conn so crypto/tls can drive
// the handshake and, afterward, record-layer I/O. Reads and writes issued
// once the fd is back in non-blocking mode surface EAGAIN as a net.Error
// whose Timeout() reports true; crypto/tls treats timeout errors as
// transient rather than caching them as a permanent connection failure,
// which is what lets a TLS-wrapped Conn keep participating in the reactor
// instead of dying on the first would-block after the handshake.
type fdConn struct {
	fd       int
	peerAddr string
	// preface holds bytes read off the socket before the handshake
	// began (see Conn.Unread); drained before any further raw read.
	preface []byte
}

func newFdConn(fd int, peerAddr string, preface []byte) *fdConn {
	return &fdConn{fd: fd, peerAddr: peerAddr, preface: preface}
}

func (f *fdConn) Read(b []byte) (int, error) {
	if len(f.preface) > 0 {
		n := copy(b, f.preface)
		f.preface = f.preface[n:]
		return n, nil
	}
	for {
		n, err := unix.Read(f.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return n, &wouldBlockError{err: err}
		}
		return n, err
	}
}

func (f *fdConn) Write(b []byte) (int, error) {
	for {
		n, err := unix.Write(f.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return n, &wouldBlockError{err: err}
		}
		return n, err
	}
}

// Close is a no-op: Conn owns the fd's lifecycle and closes it explicitly
// via Conn.Close, not through the tls.Conn it hands this shim to.
func (f *fdConn) Close() error { return nil }

func (f *fdConn) LocalAddr() net.Addr  { return fdAddr("") }
func (f *fdConn) RemoteAddr() net.Addr { return fdAddr(f.peerAddr) }

func (f *fdConn) SetDeadline(time.Time) error      { return nil }
func (f *fdConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fdConn) SetWriteDeadline(time.Time) error { return nil }

type fdAddr string

func (fdAddr) Network() string  { return "tcp" }
func (a fdAddr) String() string { return string(a) }

// wouldBlockError wraps EAGAIN/EWOULDBLOCK as a net.Error reporting
// Timeout() == true, see fdConn's doc comment for why that matters to
// crypto/tls's error-caching behavior.
type wouldBlockError struct{ err error }

func (e *wouldBlockError) Error() string   { return e.err.Error() }
func (e *wouldBlockError) Timeout() bool   { return true }
func (e *wouldBlockError) Temporary() bool { return true }
func (e *wouldBlockError) Unwrap() error   { return e.err }

var _ net.Error = (*wouldBlockError)(nil)
