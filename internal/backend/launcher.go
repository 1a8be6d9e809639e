// Package backend abstracts the external visualization process that serves
// one session's content over HTTP and WebSocket on a private local port.
//
// The core never assumes anything about the process beyond "speaks HTTP +
// WebSocket on 127.0.0.1:<port>, binds within a bounded startup window, and
// can be stopped through the returned handle".
package backend

import "context"

// Handle is a running backend instance.
type Handle interface {
	// Port returns the local port the backend is bound to.
	Port() int

	// PID returns the OS process id, or 0 if the backend is not a process.
	PID() int

	// Stop terminates the backend and releases its resources. Stopping an
	// already-stopped backend is a no-op.
	Stop() error
}

// LaunchOptions contains options for launching a backend.
type LaunchOptions struct {
	// Port is the local port the backend must bind.
	Port int

	// OnExit, if set, is called once when the backend terminates for any
	// reason, including Stop. The error is nil for a clean exit.
	OnExit func(err error)
}

// Launcher starts backend instances.
type Launcher interface {
	// Launch starts a backend bound to opts.Port and blocks until it is
	// reachable or the startup window lapses. The context bounds the launch
	// only, not the backend's lifetime.
	Launch(ctx context.Context, opts LaunchOptions) (Handle, error)
}
