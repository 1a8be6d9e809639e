// Package registry owns the mapping from session identifiers to live
// backend instances.
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/brentyi/viser-gradio-embed/internal/backend"
	"github.com/brentyi/viser-gradio-embed/internal/model"
	"github.com/brentyi/viser-gradio-embed/internal/portalloc"
)

// Registry creates, looks up, and tears down per-session backends. The
// session map is the only shared mutable state in the system; all access to
// it is serialized on one mutex, and the allocate-then-record step happens
// under that mutex so concurrent starts can never race onto the same port.
// Backend launching and stopping happen outside the lock.
type Registry struct {
	allocator *portalloc.Allocator
	launcher  backend.Launcher

	mu       sync.Mutex
	sessions map[string]*entry
}

// entry holds the runtime state for a session.
type entry struct {
	session *model.Session
	lease   *portalloc.Lease

	// handle is nil while the backend is still launching. Lookups treat a
	// launching session as absent: the start-then-use contract only
	// guarantees proxyability after Start returns.
	handle backend.Handle
}

// New creates a registry that allocates ports from allocator and launches
// backends with launcher.
func New(allocator *portalloc.Allocator, launcher backend.Launcher) *Registry {
	return &Registry{
		allocator: allocator,
		launcher:  launcher,
		sessions:  make(map[string]*entry),
	}
}

// Start allocates a port, launches a backend bound to it, and records the
// session. A second Start for a live id fails with
// model.ErrSessionAlreadyActive; the original silently overwrote the entry
// and leaked the old process and its port.
//
// On any failure the port lease is released and no session remains recorded.
func (r *Registry) Start(ctx context.Context, id string) (*model.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", model.ErrSessionAlreadyActive, id)
	}

	lease, err := r.allocator.Acquire()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	sess := &model.Session{
		ID:        id,
		Port:      lease.Port,
		Status:    model.SessionStatusStarting,
		CreatedAt: time.Now(),
	}
	e := &entry{session: sess, lease: lease}
	r.sessions[id] = e
	r.mu.Unlock()

	// Launch outside the lock: process spawn and readiness polling must not
	// block unrelated sessions.
	handle, err := r.launcher.Launch(ctx, backend.LaunchOptions{
		Port: lease.Port,
		OnExit: func(exitErr error) {
			r.handleBackendExit(id, e, exitErr)
		},
	})
	if err != nil {
		r.mu.Lock()
		if r.sessions[id] == e {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		lease.Release()
		return nil, err
	}

	r.mu.Lock()
	if r.sessions[id] != e {
		// Stopped while still launching. The stop path saw no handle, so the
		// backend has to be torn down here.
		r.mu.Unlock()
		handle.Stop()
		lease.Release()
		return nil, fmt.Errorf("%w: %s stopped during startup", model.ErrSessionNotFound, id)
	}
	e.handle = handle
	pid := handle.PID()
	if pid != 0 {
		sess.PID = &pid
	}
	sess.Status = model.SessionStatusRunning
	out := *sess
	r.mu.Unlock()

	log.Printf("session %s: backend running on 127.0.0.1:%d (pid %d)", id, lease.Port, pid)
	return &out, nil
}

// Get returns the session for id, or model.ErrSessionNotFound if it is not
// registered or still launching. Pure lookup, no side effects.
//
// The returned struct is a snapshot taken under the lock: Start mutates the
// registry's own copy while publishing, so handing out that pointer would
// let callers read it unserialized.
func (r *Registry) Get(id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok || e.handle == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	sess := *e.session
	return &sess, nil
}

// Port returns the backend port for id, for building proxy routes.
func (r *Registry) Port(id string) (int, error) {
	sess, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	return sess.Port, nil
}

// List returns snapshots of all registered sessions, launching ones
// included.
func (r *Registry) List() []*model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*model.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sess := *e.session
		result = append(result, &sess)
	}
	return result
}

// Stop removes the session and stops its backend. Stopping an unknown or
// already-stopped id is a no-op: teardown triggers can race (a client
// disconnect and an explicit stop both firing) and double-stop must not
// fail.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	var err error
	if e.handle != nil {
		err = e.handle.Stop()
	}
	e.lease.Release()

	log.Printf("session %s: stopped", id)
	return err
}

// Close stops every session. Used at shutdown.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := make(map[string]*entry, len(r.sessions))
	for id, e := range r.sessions {
		entries[id] = e
	}
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	var firstErr error
	for id, e := range entries {
		if e.handle != nil {
			if err := e.handle.Stop(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("stopping session %s: %w", id, err)
			}
		}
		e.lease.Release()
	}
	return firstErr
}

// handleBackendExit cleans up after a backend that died on its own. If the
// entry was already replaced or removed (normal Stop path), this is a no-op.
func (r *Registry) handleBackendExit(id string, e *entry, exitErr error) {
	r.mu.Lock()
	current, ok := r.sessions[id]
	if !ok || current != e {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	e.lease.Release()

	if exitErr != nil {
		log.Printf("session %s: backend exited unexpectedly: %v", id, exitErr)
	} else {
		log.Printf("session %s: backend exited", id)
	}
}
