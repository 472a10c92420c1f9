package remux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"rtsp-stream-worker/internal/ports"
	"rtsp-stream-worker/internal/proc"
)

const (
	// sessionWarmup is how long Start waits before checking that the
	// transcoder survived its startup.
	sessionWarmup = 2 * time.Second
	sessionGrace  = 3 * time.Second
)

// SessionState is the lifecycle state of a stream session.
type SessionState int

const (
	SessionCreated SessionState = iota
	SessionRunning
	SessionStopped
)

// SessionConfig carries the per-process tunables shared by all sessions.
type SessionConfig struct {
	FFmpegBin  string
	IngestPort int // RTSP port of the remux server the transcoder pushes to
}

// Session produces a realtime, looping RTSP feed from a local video file by
// running one supervised transcoder process.
type Session struct {
	serial     string
	sourceFile string
	localURL   string

	// reservedPort is probed and held for future use; the transcoder itself
	// pushes over the remux server's ingest port.
	reservedPort int
	rtpPort      int
	rtcpPort     int

	cfg SessionConfig
	sup *proc.Supervisor
	log *slog.Logger

	mu     sync.Mutex
	ffmpeg *proc.Handle
	state  SessionState
}

// NewSession allocates the session's ports and serial identifier. name may be
// empty, in which case a random serial is generated.
func NewSession(cfg SessionConfig, sup *proc.Supervisor, log *slog.Logger, sourceFile, name string) (*Session, error) {
	reserved, err := ports.AllocateTCPPort()
	if err != nil {
		return nil, err
	}
	rtp, rtcp, err := ports.AllocateRTPRTCPPair()
	if err != nil {
		return nil, err
	}

	serial := name
	if serial == "" {
		serial = uuid.NewString()
	}

	s := &Session{
		serial:       serial,
		sourceFile:   sourceFile,
		localURL:     fmt.Sprintf("rtsp://127.0.0.1:%d/%s", cfg.IngestPort, serial),
		reservedPort: reserved,
		rtpPort:      rtp,
		rtcpPort:     rtcp,
		cfg:          cfg,
		sup:          sup,
		log:          log,
		state:        SessionCreated,
	}

	log.Info("stream session created",
		slog.String("serial", serial),
		slog.Int("reserved_port", reserved),
		slog.Int("rtp_port", rtp),
		slog.Int("rtcp_port", rtcp))
	return s, nil
}

// Serial returns the session's unique identifier.
func (s *Session) Serial() string { return s.serial }

// LocalURL returns the local RTSP sink URL the transcoder pushes to. The
// orchestrator registers this URL as the stream's source.
func (s *Session) LocalURL() string { return s.localURL }

// RTPPort returns the allocated RTP port.
func (s *Session) RTPPort() int { return s.rtpPort }

// RTCPPort returns the allocated RTCP port (always RTPPort+1).
func (s *Session) RTCPPort() int { return s.rtcpPort }

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// buildTranscodeArgs is the fixed transcoder invocation: loop one input file
// forever at native pacing and emit a constant 720p30 baseline H.264 + AAC
// stream to the RTSP sink. GOP is constrained to 30 frames with no B-frames
// so the remux server can cut low-latency HLS segments.
func buildTranscodeArgs(sourceFile, sinkURL string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",

		"-re",
		"-stream_loop", "-1",
		"-i", sourceFile,

		"-vf", "scale=1280:720",
		"-r", "30",
		"-vsync", "cfr",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level", "3.1",
		"-g", "30",
		"-keyint_min", "30",
		"-bf", "0",
		"-x264-params", "scenecut=0",
		"-b:v", "1000k",
		"-maxrate", "1200k",
		"-bufsize", "2000k",
		"-pix_fmt", "yuv420p",

		"-c:a", "aac",
		"-b:a", "96k",
		"-ar", "44100",
		"-ac", "2",

		"-f", "rtsp",
		sinkURL,
	}
}

// Start launches the transcoder and verifies it survives a short warm-up.
// An exit during warm-up is reported as a SpawnError and is not retried.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionRunning {
		return nil
	}

	name := "ffmpeg-" + s.serial
	h, err := s.sup.Spawn(name, s.cfg.FFmpegBin, buildTranscodeArgs(s.sourceFile, s.localURL), nil)
	if err != nil {
		return err
	}

	select {
	case <-time.After(sessionWarmup):
	case <-ctx.Done():
		h.Terminate(sessionGrace)
		return ctx.Err()
	}

	if code, exited := h.ExitCode(); exited {
		s.state = SessionStopped
		return &proc.SpawnError{
			Name: name,
			Err:  fmt.Errorf("transcoder exited with code %d during warm-up", code),
		}
	}

	s.ffmpeg = h
	s.state = SessionRunning
	s.log.Info("stream session started",
		slog.String("serial", s.serial),
		slog.String("rtsp_url", s.localURL))
	return nil
}

// Cleanup terminates the transcoder with a bounded grace period. Safe to call
// repeatedly; later calls observe no active process and return immediately.
func (s *Session) Cleanup() {
	s.mu.Lock()
	h := s.ffmpeg
	s.ffmpeg = nil
	s.state = SessionStopped
	s.mu.Unlock()

	if h == nil {
		return
	}
	h.Terminate(sessionGrace)
	s.log.Info("stream session stopped", slog.String("serial", s.serial))
}
