//go:build linux

// Package worker implements the single-threaded reactor loop: it owns an
// Event Manager and a set of Sessions, ingests newly-accepted Connections
// from an intake queue, and drives each tick's cleanup/intake/subscribe/
// wait/dispatch sequence.
package worker

import (
	"log/slog"
	"sync"

	uuid "github.com/satori/go.uuid"
	"github.com/samber/lo"

	"github.com/denisvmedia/reactorproxy/cert"
	"github.com/denisvmedia/reactorproxy/internal/reactor"
	"github.com/denisvmedia/reactorproxy/internal/session"
	"github.com/denisvmedia/reactorproxy/internal/sock"
)

// connRef resolves a registered file descriptor back to the Session and
// side it belongs to, so a readiness event can be dispatched without the
// Connection holding a back-pointer to its Session (spec's "route events
// by looking up the session via a session-id map" design note).
type connRef struct {
	sess *session.Session
	side session.Side
}

// Worker owns one Event Manager and every Session it has accepted. It is
// not safe for concurrent use beyond Enqueue, which Acceptor goroutines
// call to hand over newly accepted client Connections.
type Worker struct {
	ca          *cert.CA
	mitmEnabled bool
	intercept   session.Intercept
	dial        session.Dialer

	events *reactor.EventManager

	sessions map[uuid.UUID]*session.Session
	conns    map[int]connRef
	// registered tracks which fds currently hold an Event Manager
	// registration, so cleanup unregisters each fd at most once.
	registered map[int]bool

	intakeMu sync.Mutex
	intake   []*sock.Conn
}

// Option configures optional behavior, primarily for tests that need to
// substitute the upstream dialer.
type Option func(*Worker)

// WithDialer overrides the default TCP dialer used to connect upstream.
func WithDialer(d session.Dialer) Option {
	return func(w *Worker) { w.dial = d }
}

// New creates a Worker with a fresh Event Manager.
func New(ca *cert.CA, mitmEnabled bool, intercept session.Intercept, opts ...Option) (*Worker, error) {
	em, err := reactor.New()
	if err != nil {
		return nil, err
	}
	w := &Worker{
		ca:          ca,
		mitmEnabled: mitmEnabled,
		intercept:   intercept,
		dial:        session.DialTCP,
		events:      em,
		sessions:    make(map[uuid.UUID]*session.Session),
		conns:       make(map[int]connRef),
		registered:  make(map[int]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Close releases the Event Manager.
func (w *Worker) Close() error {
	return w.events.Close()
}

// Enqueue hands a newly accepted client Connection to the Worker. Safe to
// call from the Acceptor goroutine.
func (w *Worker) Enqueue(conn *sock.Conn) {
	w.intakeMu.Lock()
	w.intake = append(w.intake, conn)
	w.intakeMu.Unlock()
}

// Run drives the reactor loop until stop is closed.
func (w *Worker) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return w.shutdown()
		default:
		}
		if err := w.Tick(); err != nil {
			slog.With("in", "Worker.Run").Error("tick failed", "error", err)
		}
	}
}

// Tick runs exactly one iteration of the five-step reactor loop.
func (w *Worker) Tick() error {
	w.cleanup()
	w.drainIntake()
	w.recomputeSubscriptions()

	events, err := w.events.Wait()
	if err != nil {
		return err
	}
	w.dispatch(events)
	return nil
}

// cleanup unregisters closed connections still holding a subscription and
// removes sessions whose client and upstream have both closed.
func (w *Worker) cleanup() {
	for fd, ref := range w.conns {
		conn := connFor(ref)
		if conn == nil || !conn.IsClosed() {
			continue
		}
		w.unregister(fd)
		delete(w.conns, fd)
	}

	w.sessions = lo.OmitBy(w.sessions, func(_ uuid.UUID, sess *session.Session) bool {
		return sess.IsTerminal()
	})
}

func connFor(ref connRef) *sock.Conn {
	if ref.side == session.SideUpstream {
		return ref.sess.Upstream
	}
	return ref.sess.Client
}

// drainIntake empties the shared intake queue and creates a Session for
// each newly accepted client Connection.
func (w *Worker) drainIntake() {
	w.intakeMu.Lock()
	batch := w.intake
	w.intake = nil
	w.intakeMu.Unlock()

	for _, conn := range batch {
		sess := session.New(conn, w.ca, w.mitmEnabled, w.intercept, w.dial)
		w.sessions[sess.ID] = sess
		w.track(conn.Fd(), connRef{sess: sess, side: session.SideClient})
		w.register(conn)
	}
}

func (w *Worker) track(fd int, ref connRef) {
	w.conns[fd] = ref
}

func (w *Worker) register(conn *sock.Conn) {
	fd := conn.Fd()
	mask := conn.DesiredEvents()
	if err := w.events.Add(fd, mask); err != nil {
		slog.With("in", "Worker.register", "fd", fd).Error("add failed", "error", err)
		return
	}
	w.registered[fd] = true
	conn.SetSubscribedEvents(mask)
}

func (w *Worker) unregister(fd int) {
	if !w.registered[fd] {
		return
	}
	if err := w.events.Unregister(fd); err != nil {
		slog.With("in", "Worker.unregister", "fd", fd).Debug("unregister failed", "error", err)
	}
	delete(w.registered, fd)
}

// recomputeSubscriptions brings every live connection's Event Manager
// registration in line with its desired mask (spec's event-subscription-
// consistency invariant).
func (w *Worker) recomputeSubscriptions() {
	for fd, ref := range w.conns {
		conn := connFor(ref)
		if conn == nil || conn.IsClosed() {
			continue
		}
		desired := conn.DesiredEvents()
		if desired == conn.SubscribedEvents() {
			continue
		}
		if err := w.events.Set(fd, desired); err != nil {
			slog.With("in", "Worker.recomputeSubscriptions", "fd", fd).
				Error("set failed", "error", err)
			continue
		}
		conn.SetSubscribedEvents(desired)
	}
}

// dispatch services readables before writables for each ready connection,
// then registers any new upstream Connection a state transition produced.
func (w *Worker) dispatch(events []reactor.Event) {
	for _, ev := range events {
		ref, ok := w.conns[ev.Fd]
		if !ok {
			continue
		}
		if ev.Readable || ev.Closed {
			if err := ref.sess.HandleReadable(ref.side); err != nil {
				slog.With("in", "Worker.dispatch", "side", ref.side.String()).
					Debug("readable handler error", "error", err)
			}
			if upstream := ref.sess.TakePendingUpstream(); upstream != nil {
				w.track(upstream.Fd(), connRef{sess: ref.sess, side: session.SideUpstream})
				w.register(upstream)
			}
		}
	}
	for _, ev := range events {
		ref, ok := w.conns[ev.Fd]
		if !ok {
			continue
		}
		if ev.Writable {
			if err := ref.sess.HandleWritable(ref.side); err != nil {
				slog.With("in", "Worker.dispatch", "side", ref.side.String()).
					Debug("writable handler error", "error", err)
			}
		}
	}
}

// shutdown unregisters and closes every live connection, matching the
// process-shutdown behavior spec's concurrency model describes.
func (w *Worker) shutdown() error {
	for fd, ref := range w.conns {
		w.unregister(fd)
		if conn := connFor(ref); conn != nil {
			_ = conn.Close()
		}
	}
	return w.Close()
}
