// Package scopes validates requested permission scopes against granted ones.
//
// Scopes are colon-delimited hierarchies: a granted "repo" covers
// "repo:admin" and "repo:admin:settings", but never "repository:read".
package scopes

import (
	"strings"
	"time"
)

// Wildcard grants everything.
const Wildcard = "*"

// Escalation describes an attempt to use scopes not covered by any grant.
type Escalation struct {
	Requested []string
	Granted   []string
	Denied    []string
	At        time.Time
}

// EscalationFunc receives the escalation exactly once per denied Enforce call.
type EscalationFunc func(Escalation)

// Decision reports the outcome of an Enforce call.
type Decision struct {
	Allowed bool
	Denied  []string
}

// IsCovered reports whether a single requested scope is covered by any of
// the granted scopes. Coverage requires an exact match, the wildcard, or a
// granted prefix followed by the ":" separator; plain string prefixes do
// not count.
func IsCovered(requested string, granted []string) bool {
	for _, g := range granted {
		if g == Wildcard || g == requested {
			return true
		}
		if strings.HasPrefix(requested, g+":") {
			return true
		}
	}
	return false
}

// Enforce evaluates every requested scope independently and collects all
// that are uncovered. When at least one scope is denied and onEscalation is
// non-nil, it is invoked exactly once with the full context; it is never
// invoked on success.
func Enforce(requested, granted []string, onEscalation EscalationFunc) Decision {
	var denied []string
	for _, r := range requested {
		if !IsCovered(r, granted) {
			denied = append(denied, r)
		}
	}
	if len(denied) > 0 && onEscalation != nil {
		onEscalation(Escalation{
			Requested: requested,
			Granted:   granted,
			Denied:    denied,
			At:        time.Now().UTC(),
		})
	}
	return Decision{Allowed: len(denied) == 0, Denied: denied}
}
