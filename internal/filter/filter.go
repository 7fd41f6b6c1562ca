// Package filter provides helpers for applying host name rules.
package filter

import (
	"strings"

	"github.com/IGLOU-EU/go-wildcard"
)

// MatchWildcards checks if host matches any of the specified wildcards.  Host
// names are compared case-insensitively and a trailing dot is ignored, since
// both forms are seen in SNI and DNS questions.
func MatchWildcards(host string, wildcards []string) (ok bool) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, w := range wildcards {
		if wildcard.MatchSimple(strings.ToLower(w), host) {
			return true
		}
	}

	return false
}
