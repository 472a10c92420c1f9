package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rtsp-stream-worker/internal/ingest"
	"rtsp-stream-worker/internal/proc"
)

type stubPresigner struct {
	url     string
	err     error
	release chan struct{} // when set, PresignGet blocks until closed
}

func (s *stubPresigner) PresignGet(ctx context.Context, key string) (string, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.url, s.err
}

type stubUploader struct {
	results []ingest.ChunkResult
}

func (s *stubUploader) UploadAll(ctx context.Context, paths []string) []ingest.ChunkResult {
	return s.results
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, blobs Presigner, up Uploader) *Pipeline {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	log := testLogger()
	p := New(ctx, Config{
		TempDir:    t.TempDir(),
		FFmpegBin:  "ffmpeg",
		FFprobeBin: "ffprobe",
	}, blobs, up, proc.NewSupervisor(log), log, nil)
	t.Cleanup(func() {
		cancel()
		p.Close()
	})
	return p
}

// waitTerminal polls until the job reaches a terminal state.
func waitTerminal(t *testing.T, p *Pipeline, name string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := p.GetStatus(name)
		if err == nil && snap.Status.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", name)
	return Snapshot{}
}

func TestChunkSeconds(t *testing.T) {
	tests := []struct {
		total  float64
		per    float64
		chunks int
	}{
		{total: 600, per: 150, chunks: 4},
		{total: 45, per: 45, chunks: 1},
		{total: 60, per: 15, chunks: 4},
		{total: 59.9, per: 59.9, chunks: 1},
	}
	for _, tt := range tests {
		got := chunkSeconds(tt.total)
		if got != tt.per {
			t.Errorf("chunkSeconds(%v) = %v, want %v", tt.total, got, tt.per)
		}
		if n := int(tt.total / got); n != tt.chunks {
			t.Errorf("total %v: %d chunks, want %d", tt.total, n, tt.chunks)
		}
	}
}

func TestSubmit_rejectsDuplicate(t *testing.T) {
	release := make(chan struct{})
	blobs := &stubPresigner{err: errors.New("boom"), release: release}
	p := newTestPipeline(t, blobs, &stubUploader{})

	if err := p.Submit("stream-a", "videos/a.mp4"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	err := p.Submit("stream-a", "videos/a.mp4")
	if !errors.Is(err, ErrJobAlreadyRunning) {
		t.Fatalf("second Submit: expected ErrJobAlreadyRunning, got %v", err)
	}

	// Distinct keys progress independently of the blocked job.
	if err := p.Submit("stream-b", "videos/b.mp4"); err != nil {
		t.Errorf("Submit for distinct key: %v", err)
	}

	close(release)
	snap := waitTerminal(t, p, "stream-a")
	if snap.Status != StateFailed {
		t.Errorf("status = %s, want failed", snap.Status)
	}

	// Terminal jobs may be resubmitted.
	if err := p.Submit("stream-a", "videos/a.mp4"); err != nil {
		t.Errorf("resubmit after terminal: %v", err)
	}
}

func TestSubmit_failureIsCapturedNotFatal(t *testing.T) {
	blobs := &stubPresigner{err: errors.New("no such key")}
	p := newTestPipeline(t, blobs, &stubUploader{})

	if err := p.Submit("stream-a", "videos/missing.mp4"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	snap := waitTerminal(t, p, "stream-a")
	if snap.Status != StateFailed {
		t.Errorf("status = %s, want failed", snap.Status)
	}
	if snap.Message == "" {
		t.Error("failed job should carry a descriptive message")
	}
	if snap.CompletedAt == nil {
		t.Error("terminal job should record completion time")
	}
}

func TestGetStatus_notFound(t *testing.T) {
	p := newTestPipeline(t, &stubPresigner{}, &stubUploader{})
	_, err := p.GetStatus("unknown")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func seedJob(p *Pipeline, j *Job) {
	p.mu.Lock()
	p.store.Set(j)
	p.mu.Unlock()
}

func TestFinalize_partialFailure(t *testing.T) {
	p := newTestPipeline(t, &stubPresigner{}, &stubUploader{})
	seedJob(p, &Job{StreamName: "s", State: StateUploading, StartedAt: time.Now()})

	results := []ingest.ChunkResult{
		{Path: "c0.mp4", ID: "id-0"},
		{Path: "c1.mp4", Err: errors.New("status 500")},
		{Path: "c2.mp4", ID: "id-2"},
		{Path: "c3.mp4", Err: errors.New("status 502")},
		{Path: "c4.mp4", ID: "id-4"},
	}
	p.finalize("s", results)

	snap, err := p.GetStatus("s")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.Status != StateCompletedWithWarnings {
		t.Errorf("status = %s, want completed_with_warnings", snap.Status)
	}
	if len(snap.Chunks) != 5 {
		t.Fatalf("expected 5 chunk outcomes, got %d", len(snap.Chunks))
	}
	var okIDs, failures int
	for _, c := range snap.Chunks {
		switch {
		case c.Error != "":
			failures++
		case c.ID != "":
			okIDs++
		}
	}
	if okIDs != 3 || failures != 2 {
		t.Errorf("ok=%d failed=%d, want 3/2", okIDs, failures)
	}
	if snap.Chunks[1].Error != "status 500" {
		t.Errorf("failure reason dropped: %+v", snap.Chunks[1])
	}
}

func TestFinalize_allFailed(t *testing.T) {
	p := newTestPipeline(t, &stubPresigner{}, &stubUploader{})
	seedJob(p, &Job{StreamName: "s", State: StateUploading, StartedAt: time.Now()})

	p.finalize("s", []ingest.ChunkResult{
		{Path: "c0.mp4", Err: errors.New("down")},
		{Path: "c1.mp4", Err: errors.New("down")},
	})

	snap, _ := p.GetStatus("s")
	if snap.Status != StateFailed {
		t.Errorf("status = %s, want failed when zero chunks uploaded", snap.Status)
	}
}

func TestFinalize_allSucceeded(t *testing.T) {
	p := newTestPipeline(t, &stubPresigner{}, &stubUploader{})
	seedJob(p, &Job{StreamName: "s", State: StateUploading, StartedAt: time.Now()})

	p.finalize("s", []ingest.ChunkResult{
		{Path: "c0.mp4", ID: "id-0"},
		{Path: "c1.mp4", ID: "id-1"},
	})

	snap, _ := p.GetStatus("s")
	if snap.Status != StateCompleted {
		t.Errorf("status = %s, want completed", snap.Status)
	}
	if snap.Progress != 100 {
		t.Errorf("progress = %d, want 100", snap.Progress)
	}
}

func TestDownload(t *testing.T) {
	payload := []byte("mp4 payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	p := newTestPipeline(t, &stubPresigner{url: srv.URL}, &stubUploader{})
	seedJob(p, &Job{StreamName: "s", State: StateDownloading, StartedAt: time.Now()})

	path, err := p.download(context.Background(), "s", "videos/s.mp4")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("downloaded bytes mismatch")
	}

	p.mu.Lock()
	j, _ := p.store.Get("s")
	manifest := append([]string(nil), j.tempPaths...)
	p.mu.Unlock()
	if len(manifest) != 1 || manifest[0] != path {
		t.Errorf("manifest should record the scratch file, got %v", manifest)
	}
}

func TestDownload_badStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	p := newTestPipeline(t, &stubPresigner{url: srv.URL}, &stubUploader{})
	seedJob(p, &Job{StreamName: "s", State: StateDownloading, StartedAt: time.Now()})

	_, err := p.download(context.Background(), "s", "videos/s.mp4")
	if !errors.Is(err, ErrDownload) {
		t.Errorf("expected ErrDownload, got %v", err)
	}
}

func TestCleanup_toleratesMissing(t *testing.T) {
	p := newTestPipeline(t, &stubPresigner{}, &stubUploader{})

	dir := t.TempDir()
	real := filepath.Join(dir, "real.mp4")
	if err := os.WriteFile(real, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	j := &Job{StreamName: "s", State: StateFailed, StartedAt: time.Now()}
	j.addTempPath(filepath.Join(dir, "never-created.mp4"))
	j.addTempPath(real)
	j.addTempPath(real) // duplicates collapse in the manifest
	seedJob(p, j)

	p.cleanup("s")

	if _, err := os.Stat(real); !os.IsNotExist(err) {
		t.Error("cleanup should remove existing manifest entries")
	}
	p.mu.Lock()
	got, _ := p.store.Get("s")
	left := len(got.tempPaths)
	p.mu.Unlock()
	if left != 0 {
		t.Errorf("manifest should be drained after cleanup, %d left", left)
	}
}

func TestReapOnce(t *testing.T) {
	p := newTestPipeline(t, &stubPresigner{}, &stubUploader{})
	p.cfg.JobTTL = time.Minute

	old := time.Now().Add(-2 * time.Minute)
	seedJob(p, &Job{StreamName: "done", State: StateCompleted, StartedAt: old, CompletedAt: old})
	seedJob(p, &Job{StreamName: "running", State: StateUploading, StartedAt: old})
	seedJob(p, &Job{StreamName: "fresh", State: StateFailed, StartedAt: old, CompletedAt: time.Now()})

	p.reapOnce(time.Now())

	if _, err := p.GetStatus("done"); !errors.Is(err, ErrJobNotFound) {
		t.Error("expired terminal job should be evicted")
	}
	if _, err := p.GetStatus("running"); err != nil {
		t.Error("non-terminal job must never be evicted")
	}
	if _, err := p.GetStatus("fresh"); err != nil {
		t.Error("recently completed job should be retained")
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateCompleted, StateCompletedWithWarnings, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateQueued, StateDownloading, StateChunking, StateUploading} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSnapshotMessageFormat(t *testing.T) {
	p := newTestPipeline(t, &stubPresigner{}, &stubUploader{})
	seedJob(p, &Job{StreamName: "s", State: StateUploading, StartedAt: time.Now()})

	p.finalize("s", []ingest.ChunkResult{
		{Path: "c0.mp4", ID: "id-0"},
		{Path: "c1.mp4", Err: errors.New("x")},
	})
	snap, _ := p.GetStatus("s")
	want := fmt.Sprintf("%d of %d chunk uploads failed", 1, 2)
	if snap.Message != want {
		t.Errorf("message = %q, want %q", snap.Message, want)
	}
}
