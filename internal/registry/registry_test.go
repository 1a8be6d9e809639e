package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/brentyi/viser-gradio-embed/internal/backend"
	"github.com/brentyi/viser-gradio-embed/internal/model"
	"github.com/brentyi/viser-gradio-embed/internal/portalloc"
)

// fakeLauncher is an in-memory backend.Launcher for registry tests. It tracks
// launched handles and can be told to fail.
type fakeLauncher struct {
	mu       sync.Mutex
	failNext bool
	handles  []*fakeHandle
}

type fakeHandle struct {
	port   int
	onExit func(err error)

	mu      sync.Mutex
	stopped bool
}

func (l *fakeLauncher) Launch(ctx context.Context, opts backend.LaunchOptions) (backend.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failNext {
		l.failNext = false
		return nil, model.ErrBackendLaunchFailed
	}

	h := &fakeHandle{port: opts.Port, onExit: opts.OnExit}
	l.handles = append(l.handles, h)
	return h, nil
}

func (h *fakeHandle) Port() int { return h.port }
func (h *fakeHandle) PID() int  { return 12345 }

func (h *fakeHandle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	if h.onExit != nil {
		h.onExit(nil)
	}
	return nil
}

func (h *fakeHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// die simulates the backend process exiting on its own.
func (h *fakeHandle) die(err error) {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	if h.onExit != nil {
		h.onExit(err)
	}
}

func setupRegistry(t *testing.T, minPort, maxPort int) (*Registry, *fakeLauncher, *portalloc.Allocator) {
	t.Helper()

	allocator, err := portalloc.New(minPort, maxPort)
	if err != nil {
		t.Fatalf("failed to create allocator: %v", err)
	}
	launcher := &fakeLauncher{}
	reg := New(allocator, launcher)
	t.Cleanup(func() { reg.Close() })

	return reg, launcher, allocator
}

func TestRegistry_StartGetStop(t *testing.T) {
	reg, launcher, _ := setupRegistry(t, 44000, 44009)
	ctx := context.Background()

	t.Run("start records the session", func(t *testing.T) {
		sess, err := reg.Start(ctx, "session-a")
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if sess.ID != "session-a" {
			t.Errorf("expected id session-a, got %s", sess.ID)
		}
		if sess.Port < 44000 || sess.Port > 44009 {
			t.Errorf("port %d outside configured range", sess.Port)
		}
		if sess.Status != model.SessionStatusRunning {
			t.Errorf("expected status running, got %s", sess.Status)
		}
		if sess.PID == nil {
			t.Error("expected a PID on the session")
		}
	})

	t.Run("get returns the same session", func(t *testing.T) {
		sess, err := reg.Get("session-a")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if sess.ID != "session-a" {
			t.Errorf("expected id session-a, got %s", sess.ID)
		}
	})

	t.Run("get unknown id fails", func(t *testing.T) {
		if _, err := reg.Get("never-started"); !errors.Is(err, model.ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("duplicate start is rejected", func(t *testing.T) {
		if _, err := reg.Start(ctx, "session-a"); !errors.Is(err, model.ErrSessionAlreadyActive) {
			t.Errorf("expected ErrSessionAlreadyActive, got %v", err)
		}
		// The rejected start must not have leaked a second backend.
		if len(launcher.handles) != 1 {
			t.Errorf("expected 1 launched backend, got %d", len(launcher.handles))
		}
	})

	t.Run("stop removes the session and stops the backend", func(t *testing.T) {
		if err := reg.Stop("session-a"); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		if _, err := reg.Get("session-a"); !errors.Is(err, model.ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound after stop, got %v", err)
		}
		if !launcher.handles[0].isStopped() {
			t.Error("backend handle was not stopped")
		}
	})

	t.Run("double stop is a no-op", func(t *testing.T) {
		if err := reg.Stop("session-a"); err != nil {
			t.Errorf("second Stop should return nil, got %v", err)
		}
	})

	t.Run("stop then start with the same id succeeds", func(t *testing.T) {
		sess, err := reg.Start(ctx, "session-a")
		if err != nil {
			t.Fatalf("restart failed: %v", err)
		}
		if sess.Status != model.SessionStatusRunning {
			t.Errorf("expected running, got %s", sess.Status)
		}
	})
}

func TestRegistry_DistinctPorts(t *testing.T) {
	reg, _, _ := setupRegistry(t, 44020, 44029)
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d", "e"}
	seen := make(map[int]string)
	for _, id := range ids {
		sess, err := reg.Start(ctx, id)
		if err != nil {
			t.Fatalf("Start(%s) failed: %v", id, err)
		}
		if other, dup := seen[sess.Port]; dup {
			t.Errorf("sessions %s and %s share port %d", id, other, sess.Port)
		}
		seen[sess.Port] = id
	}
}

// The example scenario from the proxy design: a three-port range supports
// exactly three concurrent sessions.
func TestRegistry_PortRangeExhaustion(t *testing.T) {
	reg, _, _ := setupRegistry(t, 44030, 44032)
	ctx := context.Background()

	ports := make(map[int]bool)
	for _, id := range []string{"one", "two", "three"} {
		sess, err := reg.Start(ctx, id)
		if err != nil {
			t.Fatalf("Start(%s) failed: %v", id, err)
		}
		ports[sess.Port] = true
	}
	if len(ports) != 3 {
		t.Errorf("expected 3 distinct ports, got %v", ports)
	}

	if _, err := reg.Start(ctx, "four"); !errors.Is(err, model.ErrPortRangeExhausted) {
		t.Errorf("expected ErrPortRangeExhausted, got %v", err)
	}

	// Freeing one slot admits a new session.
	if err := reg.Stop("two"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := reg.Start(ctx, "four"); err != nil {
		t.Errorf("Start after Stop failed: %v", err)
	}
}

func TestRegistry_LaunchFailureReleasesLease(t *testing.T) {
	reg, launcher, allocator := setupRegistry(t, 44040, 44041)
	ctx := context.Background()

	launcher.failNext = true
	if _, err := reg.Start(ctx, "doomed"); !errors.Is(err, model.ErrBackendLaunchFailed) {
		t.Fatalf("expected ErrBackendLaunchFailed, got %v", err)
	}

	if _, err := reg.Get("doomed"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("failed session must not stay registered, got %v", err)
	}
	if allocator.LeasedCount() != 0 {
		t.Errorf("expected 0 leases after launch failure, got %d", allocator.LeasedCount())
	}

	// The whole two-port range must still be usable.
	if _, err := reg.Start(ctx, "ok-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := reg.Start(ctx, "ok-2"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func TestRegistry_BackendDeathRemovesSession(t *testing.T) {
	reg, launcher, allocator := setupRegistry(t, 44050, 44051)
	ctx := context.Background()

	if _, err := reg.Start(ctx, "fragile"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := reg.Start(ctx, "sturdy"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	launcher.handles[0].die(errors.New("exit status 139"))

	if _, err := reg.Get("fragile"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("dead session should be gone, got %v", err)
	}
	if _, err := reg.Get("sturdy"); err != nil {
		t.Errorf("unrelated session must survive, got %v", err)
	}
	if allocator.LeasedCount() != 1 {
		t.Errorf("expected 1 remaining lease, got %d", allocator.LeasedCount())
	}
}

func TestRegistry_ConcurrentStarts(t *testing.T) {
	reg, _, _ := setupRegistry(t, 44060, 44079)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.Start(ctx, string(rune('a'+i))+"-session")
		}(i)
	}
	wg.Wait()

	ports := make(map[int]bool)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent Start %d failed: %v", i, err)
		}
	}
	for _, sess := range reg.List() {
		if ports[sess.Port] {
			t.Errorf("port %d assigned to two concurrent sessions", sess.Port)
		}
		ports[sess.Port] = true
	}
}

// Lookups return snapshots, so readers iterating List or holding a Get
// result never observe the registry's own copy mid-mutation. Run under the
// race detector to verify.
func TestRegistry_ConcurrentLookupsDuringLifecycle(t *testing.T) {
	reg, _, _ := setupRegistry(t, 44090, 44094)
	ctx := context.Background()

	done := make(chan struct{})
	var wg sync.WaitGroup

	// Readers hammer List and Get while sessions churn.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				for _, sess := range reg.List() {
					_ = sess.Status
					if sess.PID != nil {
						_ = *sess.PID
					}
				}
				if sess, err := reg.Get("churn"); err == nil {
					_ = sess.Status
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		if _, err := reg.Start(ctx, "churn"); err != nil {
			t.Fatalf("Start %d failed: %v", i, err)
		}
		if err := reg.Stop("churn"); err != nil {
			t.Fatalf("Stop %d failed: %v", i, err)
		}
	}

	close(done)
	wg.Wait()
}

func TestRegistry_Close(t *testing.T) {
	reg, launcher, allocator := setupRegistry(t, 44080, 44089)
	ctx := context.Background()

	for _, id := range []string{"x", "y", "z"} {
		if _, err := reg.Start(ctx, id); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	}

	if err := reg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for _, h := range launcher.handles {
		if !h.isStopped() {
			t.Error("Close left a backend running")
		}
	}
	if allocator.LeasedCount() != 0 {
		t.Errorf("expected 0 leases after Close, got %d", allocator.LeasedCount())
	}
}
