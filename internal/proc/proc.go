package proc

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// maxLogLine caps the scanner buffer for subprocess log pumps. ffmpeg can emit
// very long progress lines.
const maxLogLine = 1024 * 1024

// SpawnError reports a process that could not be started or died during a
// caller-defined warm-up window.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Supervisor spawns external processes, pumps their output into the logger,
// and tracks their exit.
type Supervisor struct {
	log *slog.Logger
}

// NewSupervisor returns a Supervisor that logs subprocess output through log.
func NewSupervisor(log *slog.Logger) *Supervisor {
	return &Supervisor{log: log}
}

// Handle is a running (or exited) supervised process.
type Handle struct {
	name string
	cmd  *exec.Cmd
	log  *slog.Logger

	done chan struct{} // closed after the process has exited and pumps drained

	mu       sync.Mutex
	exited   bool
	exitCode int
	killed   bool
}

// options collects per-spawn settings.
type options struct {
	stdoutHook func(line string)
	stderrHook func(line string)
}

// Option customizes a single Spawn call.
type Option func(*options)

// WithStdoutHook calls fn for every stdout line before it is logged.
func WithStdoutHook(fn func(line string)) Option {
	return func(o *options) { o.stdoutHook = fn }
}

// WithStderrHook calls fn for every stderr line before it is logged.
// Used to scan a process's error stream, e.g. for the tunnel's public URL.
func WithStderrHook(fn func(line string)) Option {
	return func(o *options) { o.stderrHook = fn }
}

// Spawn starts path with args and extra environment entries, attaching log
// pumps for stdout and stderr tagged with name. The returned Handle tracks the
// process until exit.
func (s *Supervisor) Spawn(name, path string, args []string, env []string, opts ...Option) (*Handle, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cmd := exec.Command(path, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Name: name, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Name: name, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Name: name, Err: err}
	}

	h := &Handle{
		name: name,
		cmd:  cmd,
		log:  s.log.With(slog.String("proc", name)),
		done: make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go h.pump(&pumps, stdout, o.stdoutHook)
	go h.pump(&pumps, stderr, o.stderrHook)

	go func() {
		pumps.Wait()
		err := cmd.Wait()

		h.mu.Lock()
		h.exited = true
		if err == nil {
			h.exitCode = 0
		} else if ee, ok := err.(*exec.ExitError); ok {
			h.exitCode = ee.ExitCode()
		} else {
			h.exitCode = -1
		}
		code := h.exitCode
		h.mu.Unlock()

		h.log.Info("process exited", slog.Int("exit_code", code))
		close(h.done)
	}()

	h.log.Info("process started", slog.Int("pid", cmd.Process.Pid))
	return h, nil
}

// pump forwards each line of r to the handle's logger, invoking hook first
// when set.
func (h *Handle) pump(wg *sync.WaitGroup, r io.Reader, hook func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLogLine)
	for scanner.Scan() {
		line := scanner.Text()
		if hook != nil {
			hook(line)
		}
		h.log.Info(line)
	}
}

// Done returns a channel closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the process exit code and true once the process has
// exited; (0, false) while it is still running.
func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.exited {
		return 0, false
	}
	return h.exitCode, true
}

// Running reports whether the process has not yet exited.
func (h *Handle) Running() bool {
	_, exited := h.ExitCode()
	return !exited
}

// Signal delivers sig to the process. Signalling an exited process returns
// the underlying os error; callers treat that as best-effort.
func (h *Handle) Signal(sig os.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return fmt.Errorf("signal %s: process already exited", h.name)
	}
	return h.cmd.Process.Signal(sig)
}

// Terminate stops the process: SIGTERM first, then SIGKILL if it has not
// exited within grace. It waits until the process is gone and is a no-op on
// an already-exited handle. Safe to call more than once.
func (h *Handle) Terminate(grace time.Duration) {
	select {
	case <-h.done:
		return
	default:
	}

	if err := h.Signal(syscall.SIGTERM); err != nil {
		// Raced with exit; the waiter will close done.
		<-h.done
		return
	}

	select {
	case <-h.done:
		return
	case <-time.After(grace):
	}

	h.mu.Lock()
	if !h.exited && !h.killed {
		h.killed = true
		_ = h.cmd.Process.Kill()
	}
	h.mu.Unlock()

	<-h.done
}
