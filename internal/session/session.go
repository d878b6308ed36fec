// Package session implements the per-client state machine that pairs a
// client Connection with an optional upstream Connection, drives the
// request parser, and choreographs the MITM TLS upgrade.
package session

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"

	uuid "github.com/satori/go.uuid"

	"github.com/denisvmedia/reactorproxy/cert"
	"github.com/denisvmedia/reactorproxy/internal/helper"
	"github.com/denisvmedia/reactorproxy/internal/reqparse"
	"github.com/denisvmedia/reactorproxy/internal/sock"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// Intercept decides whether a CONNECT target should be MITM'd; sessions
// fall through to transparent tunneling when it returns false (matching
// the ignore/allow host lists carried over from the teacher's CLI).
type Intercept func(host string, port int) bool

// Session is one per accepted client connection.
type Session struct {
	ID uuid.UUID

	Client   *sock.Conn
	Upstream *sock.Conn

	parser *reqparse.Parser
	state  State

	pendingClientTLSUpgrade bool

	mitmEnabled bool
	intercept   Intercept
	ca          *cert.CA
	dial        Dialer

	// pendingUpstream holds a freshly dialed upstream Connection between
	// the readable dispatch that created it and the Worker collecting it
	// through TakePendingUpstream, right after that dispatch, for Event
	// Manager registration.
	pendingUpstream *sock.Conn
}

// New creates a Session in StateAwaitRequest for an already-accepted
// client Connection.
func New(client *sock.Conn, ca *cert.CA, mitmEnabled bool, intercept Intercept, dial Dialer) *Session {
	if dial == nil {
		dial = DialTCP
	}
	return &Session{
		ID:          client.SessionID,
		Client:      client,
		parser:      reqparse.New(),
		state:       StateAwaitRequest,
		mitmEnabled: mitmEnabled,
		intercept:   intercept,
		ca:          ca,
		dial:        dial,
	}
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// TakePendingUpstream returns and clears the upstream Connection created
// during this tick, if any, so the Worker can register it with the Event
// Manager and its fd→session index.
func (s *Session) TakePendingUpstream() *sock.Conn {
	c := s.pendingUpstream
	s.pendingUpstream = nil
	return c
}

// IsTerminal reports whether both connections have reached closed, making
// the session eligible for removal on the Worker's cleanup pass.
func (s *Session) IsTerminal() bool {
	if !s.Client.IsClosed() {
		return false
	}
	if s.Upstream != nil && !s.Upstream.IsClosed() {
		return false
	}
	s.state = StateTerminal
	return true
}

func (s *Session) connFor(side Side) *sock.Conn {
	if side == SideUpstream {
		return s.Upstream
	}
	return s.Client
}

func (s *Session) peerFor(side Side) *sock.Conn {
	if side == SideUpstream {
		return s.Client
	}
	return s.Upstream
}

// HandleReadable drains whatever is currently readable on the given side
// and advances the session's state accordingly. A would-block is swallowed
// so the Worker keeps the subscription and retries on the next readiness
// notification.
func (s *Session) HandleReadable(side Side) error {
	conn := s.connFor(side)
	if conn == nil || conn.IsClosed() {
		return nil
	}

	data, err := conn.Recv()
	if err != nil {
		if errors.Is(err, sock.ErrWouldBlock) {
			return nil
		}
		if !errors.Is(err, io.EOF) {
			s.closeBoth()
			return err
		}
		// Peer EOF: deliver whatever arrived alongside it, then flush
		// the opposite side's buffer and close this side immediately.
		if len(data) > 0 {
			s.deliver(side, data)
		}
		if peer := s.peerFor(side); peer != nil {
			_ = peer.FlushClose()
		}
		return conn.Close()
	}

	s.deliver(side, data)
	return nil
}

// HandleWritable drains the given side's outbound buffer and, if this
// completes a deferred MITM client upgrade, performs it.
func (s *Session) HandleWritable(side Side) error {
	conn := s.connFor(side)
	if conn == nil || conn.IsClosed() {
		return nil
	}

	if _, err := conn.SendBuffered(); err != nil {
		s.closeBoth()
		return err
	}

	if side == SideClient && s.state == StateMaybeMITM && s.pendingClientTLSUpgrade && !conn.HasBuffer() {
		if err := s.Client.WrapTLS(s.Upstream.Hostname, s.ca); err != nil {
			slog.With("in", "Session.HandleWritable", "host", s.Upstream.Hostname).
				Error("deferred client tls upgrade failed", "error", err)
			s.closeBoth()
			return err
		}
		s.pendingClientTLSUpgrade = false
		s.state = StateRelaying
	}

	return nil
}

func (s *Session) deliver(side Side, data []byte) {
	if len(data) == 0 {
		return
	}
	switch s.state {
	case StateAwaitRequest:
		s.ingestRequest(data)
	case StateRelaying:
		if peer := s.peerFor(side); peer != nil {
			peer.Push(data)
		}
	default:
		// A side's next protocol phase (typically the client's TLS
		// ClientHello) can race the MITM handshake choreography,
		// arriving before the deferred WrapTLS call runs. Buffer it on
		// the connection itself so WrapTLS replays it into the
		// handshake instead of losing it.
		if conn := s.connFor(side); conn != nil {
			conn.Unread(data)
		}
		slog.With("in", "Session.deliver", "state", s.state.String()).
			Debug("buffering bytes received before connection phase completes")
	}
}

func (s *Session) ingestRequest(data []byte) {
	if err := s.parser.Ingest(data); err != nil {
		slog.With("in", "Session.ingestRequest").Error("parse error", "error", err)
		s.closeBoth()
		return
	}
	if !s.parser.Completed() {
		return
	}
	s.connectUpstream()
}

func (s *Session) connectUpstream() {
	host, port := s.parser.Host(), s.parser.Port()

	fd, err := s.dial(host, port)
	if err != nil {
		helper.LogErr(slog.With("in", "Session.connectUpstream", "host", host, "port", port),
			"upstream dial failed", err)
		s.closeBoth()
		return
	}

	upstream, err := sock.NewConn(fd, sock.TagUpstream, net.JoinHostPort(host, strconv.Itoa(port)), s.ID)
	if err != nil {
		slog.With("in", "Session.connectUpstream", "host", host).
			Error("upstream connection setup failed", "error", err)
		s.closeBoth()
		return
	}
	upstream.Hostname = host
	s.Upstream = upstream
	s.pendingUpstream = upstream
	s.state = StateConnectingUpstream

	if s.parser.Method() == "CONNECT" {
		s.Client.Push([]byte(connectEstablished))
		if residual := s.parser.ResidualBytes(); len(residual) > 0 {
			upstream.Push(residual)
		}
	} else {
		upstream.Push(s.parser.Raw())
		if residual := s.parser.ResidualBytes(); len(residual) > 0 {
			upstream.Push(residual)
		}
	}

	wantsMITM := s.mitmEnabled && s.parser.Method() == "CONNECT" && port == 443 &&
		(s.intercept == nil || s.intercept(host, port))
	if !wantsMITM {
		s.state = StateRelaying
		return
	}

	s.state = StateMaybeMITM
	if err := s.Upstream.WrapTLS(host, s.ca); err != nil {
		slog.With("in", "Session.connectUpstream", "host", host).
			Error("upstream tls handshake failed", "error", err)
		s.closeBoth()
		return
	}

	if s.Client.HasBuffer() {
		s.pendingClientTLSUpgrade = true
		return
	}
	if err := s.Client.WrapTLS(host, s.ca); err != nil {
		slog.With("in", "Session.connectUpstream", "host", host).
			Error("client tls handshake failed", "error", err)
		s.closeBoth()
		return
	}
	s.state = StateRelaying
}

func (s *Session) closeBoth() {
	_ = s.Client.Close()
	if s.Upstream != nil {
		_ = s.Upstream.Close()
	}
	s.state = StateTerminal
}
