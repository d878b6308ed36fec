package helper

import (
	"strings"

	"github.com/tidwall/match"
)

// MatchHost reports whether address (host or host:port) matches any pattern
// in hosts. Patterns may carry their own port; a pattern without a port
// matches address regardless of address's port. Patterns support the glob
// wildcards accepted by match.Match ("*", "?").
func MatchHost(address string, hosts []string) bool {
	addrHost, _, _ := strings.Cut(address, ":")

	for _, h := range hosts {
		if h == "" {
			continue
		}
		patHost, patPort, hasPort := strings.Cut(h, ":")
		if hasPort {
			if match.Match(address, h) {
				return true
			}
			continue
		}
		_ = patPort
		if match.Match(addrHost, patHost) {
			return true
		}
	}
	return false
}
