package sock

// EventMask is the set of I/O readiness events a Connection is currently
// subscribed to with the Event Manager. It must always mirror the
// multiplexer's actual registration for the Connection's socket.
type EventMask uint8

const (
	EventReadable EventMask = 1 << iota
	EventWritable
)

// EventNone is the empty mask: the socket is registered with the
// multiplexer but not currently interested in any readiness event, or has
// not yet been registered at all.
const EventNone EventMask = 0
