package model

import "errors"

var (
	// ErrSessionNotFound is returned when a session identifier is not
	// registered.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionAlreadyActive is returned when a session start is requested
	// for an identifier that already has a live backend.
	ErrSessionAlreadyActive = errors.New("session already active")

	// ErrPortRangeExhausted is returned when no free port remains in the
	// configured local port range.
	ErrPortRangeExhausted = errors.New("no available local ports in range")

	// ErrBackendLaunchFailed is returned when the backend process could not
	// be started or did not bind its port in time.
	ErrBackendLaunchFailed = errors.New("backend launch failed")

	// ErrBackendUnreachable is returned when a proxied connection to a
	// session's backend cannot be established.
	ErrBackendUnreachable = errors.New("backend unreachable")
)
