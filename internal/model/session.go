package model

import "time"

// SessionStatus represents the lifecycle state of a visualization session.
type SessionStatus string

const (
	// SessionStatusStarting means the backend process has been launched but
	// is not yet reachable on its port.
	SessionStatusStarting SessionStatus = "starting"

	// SessionStatusRunning means the backend is bound and proxyable.
	SessionStatusRunning SessionStatus = "running"
)

// Session represents one client's visualization instance: a backend process
// bound to a private local port, keyed by an opaque session identifier
// supplied by the caller.
type Session struct {
	ID        string        `json:"id"`
	Port      int           `json:"port"`
	PID       *int          `json:"pid,omitempty"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Duration returns how long the session has existed.
func (s *Session) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}
