package remux

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"rtsp-stream-worker/internal/proc"
)

func newTestSession(t *testing.T, name string) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{FFmpegBin: "ffmpeg", IngestPort: 8554},
		proc.NewSupervisor(testLogger()), testLogger(), "/videos/loop.mp4", name)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestNewSession_ports(t *testing.T) {
	s := newTestSession(t, "feed-1")

	if s.RTPPort()%2 != 0 {
		t.Errorf("rtp port %d is not even", s.RTPPort())
	}
	if s.RTCPPort() != s.RTPPort()+1 {
		t.Errorf("rtcp port %d is not rtp+1", s.RTCPPort())
	}
	if s.State() != SessionCreated {
		t.Errorf("fresh session state = %v, want SessionCreated", s.State())
	}
}

func TestNewSession_serialAndURL(t *testing.T) {
	s := newTestSession(t, "feed-1")
	if s.Serial() != "feed-1" {
		t.Errorf("serial = %q, want explicit name", s.Serial())
	}
	want := fmt.Sprintf("rtsp://127.0.0.1:8554/%s", s.Serial())
	if s.LocalURL() != want {
		t.Errorf("local url = %q, want %q", s.LocalURL(), want)
	}

	anon := newTestSession(t, "")
	if anon.Serial() == "" {
		t.Error("empty name should yield a generated serial")
	}
}

func TestBuildTranscodeArgs(t *testing.T) {
	args := buildTranscodeArgs("/videos/loop.mp4", "rtsp://127.0.0.1:8554/feed-1")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-stream_loop -1",
		"-i /videos/loop.mp4",
		"-vf scale=1280:720",
		"-vsync cfr",
		"-bf 0",
		"-g 30",
		"-f rtsp rtsp://127.0.0.1:8554/feed-1",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "rtsp://127.0.0.1:8554/feed-1" {
		t.Errorf("sink url must be the final argument, got %s", args[len(args)-1])
	}
}

func TestCleanup_idempotent(t *testing.T) {
	s := newTestSession(t, "feed-1")

	// Never started: both calls observe no active process.
	s.Cleanup()
	done := make(chan struct{})
	go func() {
		s.Cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Cleanup did not return promptly")
	}
	if s.State() != SessionStopped {
		t.Errorf("state after Cleanup = %v, want SessionStopped", s.State())
	}
}
