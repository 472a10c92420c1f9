package remux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"rtsp-stream-worker/internal/proc"
)

const (
	// serverSettle gives the remux process time to bind its listeners before
	// the tunnel starts fronting them.
	serverSettle   = 2 * time.Second
	captureTimeout = 60 * time.Second
	shutdownGrace  = 5 * time.Second

	tunnelHostSuffix = ".trycloudflare.com"
	rtspTransportTCP = "tcp"
)

// ErrConfig reports invalid orchestrator configuration (missing paths or
// binaries). Fatal at startup.
var ErrConfig = errors.New("invalid remux configuration")

// ErrTunnelCapture reports that no public URL was captured from the tunnel
// process before it exited or the capture deadline passed.
var ErrTunnelCapture = errors.New("tunnel url capture failed")

// OrchestratorConfig carries the orchestrator's tunables, resolved in main.
type OrchestratorConfig struct {
	ConfigPath string // remux config file, owned exclusively by the orchestrator
	ServerBin  string // remux server executable (e.g. mediamtx)
	TunnelBin  string // tunnel executable (e.g. cloudflared)
	HTTPPort   int    // local HLS port the tunnel exposes publicly
}

// Orchestrator is the single writer of the remux configuration and the owner
// of the remux server and tunnel processes.
type Orchestrator struct {
	cfg OrchestratorConfig
	log *slog.Logger
	sup *proc.Supervisor

	// mu serializes the full read-modify-write span over the config file,
	// for both Start and AddStream.
	mu     sync.Mutex
	server *proc.Handle
	tunnel *proc.Handle

	urlMu     sync.Mutex
	publicURL string // set exactly once, after tunnel capture

	shutdown atomic.Bool
}

// NewOrchestrator returns an unstarted orchestrator.
func NewOrchestrator(cfg OrchestratorConfig, sup *proc.Supervisor, log *slog.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, sup: sup, log: log}
}

// Start writes the initial remux configuration, launches the remux server,
// then launches the tunnel and captures its public URL. Any failure here is
// fatal to the caller; a half-initialized orchestrator is not usable.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := writeConfig(o.cfg.ConfigPath, defaultConfig()); err != nil {
		return err
	}

	o.log.Info("starting remux server", slog.String("bin", o.cfg.ServerBin))
	server, err := o.sup.Spawn("remux", o.cfg.ServerBin, []string{o.cfg.ConfigPath}, nil)
	if err != nil {
		return err
	}
	o.server = server

	select {
	case <-time.After(serverSettle):
	case <-server.Done():
		o.server = nil
		code, _ := server.ExitCode()
		return &proc.SpawnError{Name: "remux", Err: fmt.Errorf("exited with code %d during settle", code)}
	case <-ctx.Done():
		server.Terminate(shutdownGrace)
		o.server = nil
		return ctx.Err()
	}

	o.log.Info("opening tunnel", slog.String("bin", o.cfg.TunnelBin))
	if err := o.startTunnel(ctx); err != nil {
		server.Terminate(shutdownGrace)
		o.server = nil
		return err
	}

	o.log.Info("remux server ready", slog.String("public_url", o.PublicURL()))
	return nil
}

func (o *Orchestrator) validate() error {
	if o.cfg.ConfigPath == "" {
		return fmt.Errorf("empty config path: %w", ErrConfig)
	}
	if _, err := exec.LookPath(o.cfg.ServerBin); err != nil {
		return fmt.Errorf("remux server binary %q: %w", o.cfg.ServerBin, ErrConfig)
	}
	if _, err := exec.LookPath(o.cfg.TunnelBin); err != nil {
		return fmt.Errorf("tunnel binary %q: %w", o.cfg.TunnelBin, ErrConfig)
	}
	return nil
}

// startTunnel spawns the tunnel process and scans its error stream for the
// assigned public URL. Capture is bounded by captureTimeout and by tunnel
// process exit. Caller holds o.mu.
func (o *Orchestrator) startTunnel(ctx context.Context) error {
	urlCh := make(chan string, 1)
	hook := func(line string) {
		if u, ok := parseTunnelURL(line); ok {
			select {
			case urlCh <- u:
			default:
			}
		}
	}

	args := []string{
		"tunnel",
		"--url", fmt.Sprintf("http://localhost:%d", o.cfg.HTTPPort),
		"--no-autoupdate",
		"--no-tls-verify",
	}
	tunnel, err := o.sup.Spawn("tunnel", o.cfg.TunnelBin, args, nil, proc.WithStderrHook(hook))
	if err != nil {
		return err
	}
	o.tunnel = tunnel

	select {
	case u := <-urlCh:
		o.urlMu.Lock()
		o.publicURL = u
		o.urlMu.Unlock()
		return nil
	case <-tunnel.Done():
		o.tunnel = nil
		code, _ := tunnel.ExitCode()
		return fmt.Errorf("tunnel exited with code %d before emitting a url: %w", code, ErrTunnelCapture)
	case <-time.After(captureTimeout):
		tunnel.Terminate(shutdownGrace)
		o.tunnel = nil
		return fmt.Errorf("no public url within %s: %w", captureTimeout, ErrTunnelCapture)
	case <-ctx.Done():
		tunnel.Terminate(shutdownGrace)
		o.tunnel = nil
		return ctx.Err()
	}
}

// parseTunnelURL extracts the public tunnel URL from a log line, identified
// by the fixed hostname suffix.
func parseTunnelURL(line string) (string, bool) {
	for _, w := range strings.Fields(line) {
		if strings.HasPrefix(w, "https://") && strings.HasSuffix(w, tunnelHostSuffix) {
			return w, true
		}
	}
	return "", false
}

// PublicURL returns the captured tunnel URL, or "" before capture.
func (o *Orchestrator) PublicURL() string {
	o.urlMu.Lock()
	defer o.urlMu.Unlock()
	return o.publicURL
}

// AddStream registers a stream path in the remux configuration and returns
// its public playback URL. The read-modify-write of the config file runs
// under the orchestrator mutex; no other component writes that file.
func (o *Orchestrator) AddStream(localRTSPURL, name string) (string, error) {
	public := o.PublicURL()
	if public == "" {
		return "", fmt.Errorf("public url not captured yet: %w", ErrTunnelCapture)
	}

	o.mu.Lock()
	cfg, err := readConfig(o.cfg.ConfigPath)
	if err != nil {
		o.mu.Unlock()
		return "", err
	}
	cfg.Paths[name] = PathConfig{Source: localRTSPURL, RTSPTransport: rtspTransportTCP}
	if err := writeConfig(o.cfg.ConfigPath, cfg); err != nil {
		o.mu.Unlock()
		return "", err
	}
	server := o.server
	o.mu.Unlock()

	// Ask the remux process to re-read its config. Best-effort: without the
	// reload signal it picks the path up on its next restart.
	if server != nil {
		if err := server.Signal(syscall.SIGUSR1); err != nil {
			o.log.Warn("remux reload signal failed", slog.String("error", err.Error()))
		}
	}

	o.log.Info("stream registered",
		slog.String("name", name),
		slog.String("source", localRTSPURL))
	return fmt.Sprintf("%s/%s/index.m3u8", public, name), nil
}

// Shutdown terminates the tunnel and then the remux server, each with a
// bounded grace period. Idempotent.
func (o *Orchestrator) Shutdown() {
	o.shutdown.Store(true)

	o.mu.Lock()
	tunnel, server := o.tunnel, o.server
	o.tunnel, o.server = nil, nil
	o.mu.Unlock()

	if tunnel != nil {
		tunnel.Terminate(shutdownGrace)
	}
	if server != nil {
		server.Terminate(shutdownGrace)
	}
	o.log.Info("remux orchestrator stopped")
}
