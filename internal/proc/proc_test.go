package proc

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestSupervisor() *Supervisor {
	return NewSupervisor(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitExit(t *testing.T, h *Handle, timeout time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(timeout):
		t.Fatal("process did not exit in time")
	}
}

func TestSpawn_exitCode(t *testing.T) {
	s := newTestSupervisor()

	h, err := s.Spawn("echo", "sh", []string{"-c", "echo hello"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitExit(t, h, 5*time.Second)

	code, exited := h.ExitCode()
	if !exited {
		t.Fatal("expected exited after Done closed")
	}
	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
	if h.Running() {
		t.Error("Running should be false after exit")
	}
}

func TestSpawn_missingBinary(t *testing.T) {
	s := newTestSupervisor()

	_, err := s.Spawn("missing", "/nonexistent/binary", nil, nil)
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Errorf("expected *SpawnError, got %T", err)
	}
}

func TestSpawn_stderrHook(t *testing.T) {
	s := newTestSupervisor()

	var mu sync.Mutex
	var lines []string
	hook := func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}

	h, err := s.Spawn("err", "sh", []string{"-c", "echo oops 1>&2"}, nil, WithStderrHook(hook))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitExit(t, h, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, l := range lines {
		if strings.Contains(l, "oops") {
			found = true
		}
	}
	if !found {
		t.Errorf("stderr hook did not observe output, got %v", lines)
	}
}

func TestTerminate_gracefulThenKill(t *testing.T) {
	s := newTestSupervisor()

	// Trap TERM so only the kill escalation can stop it.
	h, err := s.Spawn("stubborn", "sh", []string{"-c", "trap '' TERM; sleep 30"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	start := time.Now()
	h.Terminate(200 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Terminate took too long: %v", elapsed)
	}

	if _, exited := h.ExitCode(); !exited {
		t.Error("expected process exited after Terminate")
	}
}

func TestTerminate_idempotent(t *testing.T) {
	s := newTestSupervisor()

	h, err := s.Spawn("sleep", "sh", []string{"-c", "sleep 30"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	h.Terminate(time.Second)
	// Second call must observe the exited handle and return immediately.
	done := make(chan struct{})
	go func() {
		h.Terminate(time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second Terminate did not return promptly")
	}
}

func TestExitCode_whileRunning(t *testing.T) {
	s := newTestSupervisor()

	h, err := s.Spawn("sleep", "sh", []string{"-c", "sleep 30"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Terminate(time.Second)

	if _, exited := h.ExitCode(); exited {
		t.Error("ExitCode should report not-exited while running")
	}
	if !h.Running() {
		t.Error("Running should be true while the process is alive")
	}
}
