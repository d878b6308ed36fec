package session

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Dialer opens a blocking TCP connection to (host, port) and returns the
// raw, non-blocking-ready file descriptor backing it. The session owns the
// returned fd from this point on; net's own net.Conn wrapper is discarded
// after the kernel-level descriptor is duplicated out of it.
type Dialer func(host string, port int) (int, error)

// DialTCP is the default Dialer. The dial itself is synchronous, per
// spec's documented choice to block the worker briefly rather than add a
// CONNECT_IN_PROGRESS state.
func DialTCP(host string, port int) (int, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return -1, err
	}
	defer conn.Close()

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return -1, fmt.Errorf("session: dial %s:%d: unexpected connection type %T", host, port, conn)
	}

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return -1, err
	}

	var fd int
	var dupErr error
	if err := raw.Control(func(sysfd uintptr) {
		fd, dupErr = unix.Dup(int(sysfd))
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, dupErr
	}
	return fd, nil
}
