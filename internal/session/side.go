package session

// Side identifies which Connection within a Session an event applies to.
type Side int

const (
	SideClient Side = iota
	SideUpstream
)

func (s Side) String() string {
	if s == SideUpstream {
		return "upstream"
	}
	return "client"
}
