package main

import "github.com/google/uuid"

// SessionID identifies a live server-side session. Opaque, unique within the
// lifetime of the process.
type SessionID string

// RouteKey identifies a browser tab's logical route, taken from the
// WebSocket URL path. Shares SessionID's string representation but is never
// interchangeable with one.
type RouteKey string

// newID returns a lowercase alphanumeric token derived from a fresh UUIDv4.
// Collision probability inherits UUIDv4's birthday bound.
func newID() string {
	return stripDashes(uuid.NewString())
}

// NewSessionID generates a fresh opaque session identifier.
func NewSessionID() SessionID {
	return SessionID(newID())
}

// NewRouteKey generates a fresh opaque route key. Most callers derive a
// RouteKey from a URL path segment instead; this exists for tests and for
// any caller that needs a synthetic one.
func NewRouteKey() RouteKey {
	return RouteKey(newID())
}

func stripDashes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
