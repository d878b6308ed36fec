//go:build linux

// Package reactor implements the Event Manager: a thin façade over Linux
// epoll, tracking the readiness mask each registered file descriptor is
// currently subscribed to.
package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/denisvmedia/reactorproxy/internal/sock"
)

// WaitTimeout bounds how long Wait blocks when nothing is ready, so the
// Worker's reactor loop periodically revisits its intake queue and cleanup
// pass even under no I/O activity.
const WaitTimeout = 25 * time.Millisecond

// Event reports one ready file descriptor and the readiness bits observed
// for it.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	// Closed reports a hangup or error condition (EPOLLHUP/EPOLLERR);
	// the Worker dispatches this like a readable wakeup and lets the next
	// Recv surface the real error.
	Closed bool
}

// EventManager is a level-triggered readiness multiplexer wrapping a
// single epoll instance. It is not safe for concurrent use: one
// EventManager belongs to exactly one Worker goroutine.
type EventManager struct {
	epfd int
}

// New creates a new epoll instance.
func New() (*EventManager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &EventManager{epfd: epfd}, nil
}

// Close releases the epoll instance.
func (m *EventManager) Close() error {
	return unix.Close(m.epfd)
}

func toEpollEvents(mask sock.EventMask) uint32 {
	var ev uint32
	if mask&sock.EventReadable != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&sock.EventWritable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers fd with the multiplexer under the given mask. The caller
// must not have previously registered fd; use Set to change an existing
// registration.
func (m *EventManager) Add(fd int, mask sock.EventMask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Set changes the readiness mask for an already-registered fd.
func (m *EventManager) Set(fd int, mask sock.EventMask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Remove changes fd's mask to none without unregistering it from epoll.
func (m *EventManager) Remove(fd int) error {
	return m.Set(fd, sock.EventNone)
}

// Unregister removes fd from the multiplexer entirely. Call this before
// closing fd: EPOLL_CTL_DEL on an already-closed descriptor fails (EBADF),
// and Unregister returns that failure as an error.
func (m *EventManager) Unregister(fd int) error {
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks for up to WaitTimeout for at least one registered fd to
// become ready, level-triggered: a socket with unread buffered data is
// reported ready on every Wait call until the data is drained.
func (m *EventManager) Wait() ([]Event, error) {
	raw := make([]unix.EpollEvent, 128)
	n, err := unix.EpollWait(m.epfd, raw, int(WaitTimeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := raw[i]
		events = append(events, Event{
			Fd:       int(e.Fd),
			Readable: e.Events&unix.EPOLLIN != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Closed:   e.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0,
		})
	}
	return events, nil
}
