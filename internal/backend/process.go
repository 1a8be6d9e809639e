package backend

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brentyi/viser-gradio-embed/internal/model"
)

const (
	// DefaultStartupTimeout bounds how long Launch waits for the backend to
	// accept TCP connections on its port.
	DefaultStartupTimeout = 10 * time.Second

	// readinessPollInterval is the delay between readiness probes.
	readinessPollInterval = 50 * time.Millisecond

	// stopGracePeriod is how long Stop waits for the process to exit after
	// an interrupt before killing it outright.
	stopGracePeriod = 3 * time.Second
)

// ProcessLauncher launches backends as OS processes from a command template.
//
// The template is a shell-like command line; every "{port}" occurrence is
// replaced with the allocated port. A template with no placeholder gets
// "--port <n>" appended.
type ProcessLauncher struct {
	// Command is the backend command template, e.g.
	// "python -m viser_server {port}".
	Command string

	// StartupTimeout overrides DefaultStartupTimeout when positive.
	StartupTimeout time.Duration

	// Env holds extra environment variables in KEY=VALUE form, appended to
	// the parent process environment.
	Env []string
}

// NewProcessLauncher creates a launcher for the given command template.
func NewProcessLauncher(command string) *ProcessLauncher {
	return &ProcessLauncher{Command: command}
}

// Launch starts the backend process, waits for it to bind its port, and
// returns a handle. If the process exits or fails to bind within the startup
// window it is killed and model.ErrBackendLaunchFailed is returned.
func (l *ProcessLauncher) Launch(ctx context.Context, opts LaunchOptions) (Handle, error) {
	if l.Command == "" {
		return nil, fmt.Errorf("%w: no backend command configured", model.ErrBackendLaunchFailed)
	}

	parts := splitCommand(expandPort(l.Command, opts.Port))
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty backend command", model.ErrBackendLaunchFailed)
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Env = append(os.Environ(), l.Env...)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrBackendLaunchFailed, err)
	}

	p := &process{
		cmd:    cmd,
		port:   opts.Port,
		doneCh: make(chan struct{}),
	}

	// Reap the process exactly once; everything else waits on doneCh.
	go func() {
		p.waitErr = cmd.Wait()
		close(p.doneCh)
		if opts.OnExit != nil {
			opts.OnExit(p.waitErr)
		}
	}()

	timeout := l.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}

	if err := p.awaitReady(ctx, timeout); err != nil {
		p.Stop()
		return nil, err
	}

	return p, nil
}

// process is a Handle backed by an exec.Cmd.
type process struct {
	cmd  *exec.Cmd
	port int

	doneCh  chan struct{}
	waitErr error

	mu      sync.Mutex
	stopped bool
}

func (p *process) Port() int {
	return p.port
}

func (p *process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// awaitReady polls until the backend accepts TCP connections on its port.
func (p *process) awaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", p.port)

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", model.ErrBackendLaunchFailed, ctx.Err())
		case <-p.doneCh:
			return fmt.Errorf("%w: process exited during startup: %v", model.ErrBackendLaunchFailed, p.waitErr)
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, readinessPollInterval)
		if err == nil {
			conn.Close()
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: port %d not bound within %s", model.ErrBackendLaunchFailed, p.port, timeout)
		}

		time.Sleep(readinessPollInterval)
	}
}

// Stop terminates the process: interrupt, bounded wait, then kill.
func (p *process) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	select {
	case <-p.doneCh:
		// Already exited.
		return nil
	default:
	}

	if p.cmd.Process == nil {
		return nil
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		// Signal delivery failed (e.g. already gone); fall through to kill.
		p.cmd.Process.Kill()
	}

	select {
	case <-p.doneCh:
		return nil
	case <-time.After(stopGracePeriod):
	}

	if err := p.cmd.Process.Kill(); err != nil {
		select {
		case <-p.doneCh:
			// Exited between the grace period lapsing and the kill.
			return nil
		default:
		}
		return fmt.Errorf("failed to kill backend process: %w", err)
	}
	<-p.doneCh
	return nil
}

// expandPort substitutes the {port} placeholder, or appends a --port flag
// when the template has none.
func expandPort(command string, port int) string {
	portStr := strconv.Itoa(port)
	if strings.Contains(command, "{port}") {
		return strings.ReplaceAll(command, "{port}", portStr)
	}
	return command + " --port " + portStr
}

// splitCommand splits a command string into command and arguments.
// This handles basic quoting (single and double quotes).
func splitCommand(cmd string) []string {
	var parts []string
	var current []rune
	inQuote := false
	quoteChar := rune(0)

	for _, r := range cmd {
		switch {
		case r == '"' || r == '\'':
			if inQuote {
				if r == quoteChar {
					inQuote = false
					quoteChar = 0
				} else {
					current = append(current, r)
				}
			} else {
				inQuote = true
				quoteChar = r
			}
		case r == ' ' || r == '\t':
			if inQuote {
				current = append(current, r)
			} else if len(current) > 0 {
				parts = append(parts, string(current))
				current = nil
			}
		default:
			current = append(current, r)
		}
	}

	if len(current) > 0 {
		parts = append(parts, string(current))
	}

	return parts
}
