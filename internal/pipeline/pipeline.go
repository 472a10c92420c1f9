// Package pipeline runs background video-processing jobs: download a stored
// source, segment it into chunks, upload the chunks to the ingestion API, and
// track per-job status for pollers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rtsp-stream-worker/internal/ingest"
	"rtsp-stream-worker/internal/platform/metrics"
	"rtsp-stream-worker/internal/proc"
)

var (
	// ErrJobAlreadyRunning is returned by Submit when a non-terminal job
	// already exists for the stream name.
	ErrJobAlreadyRunning = errors.New("job already running for stream")

	// ErrJobNotFound is returned by GetStatus for unknown stream names.
	ErrJobNotFound = errors.New("job not found")

	// ErrDownload reports a failure fetching the source video.
	ErrDownload = errors.New("source download failed")

	// ErrSegmentation reports a failed or empty segmentation run.
	ErrSegmentation = errors.New("video segmentation failed")
)

const (
	defaultJobTTL = time.Hour
	reapInterval  = time.Minute
)

// Presigner produces time-limited download URLs for stored objects.
type Presigner interface {
	PresignGet(ctx context.Context, key string) (string, error)
}

// Uploader fans out chunk uploads and reports per-chunk outcomes in input order.
type Uploader interface {
	UploadAll(ctx context.Context, paths []string) []ingest.ChunkResult
}

// Config carries the pipeline's tunables, resolved in main.
type Config struct {
	TempDir    string
	FFmpegBin  string
	FFprobeBin string
	// JobTTL is how long a terminal job record stays pollable before the
	// reaper evicts it. Defaults to one hour.
	JobTTL time.Duration
}

// Pipeline is the per-stream-name job state machine. Jobs for distinct names
// progress independently; a name admits at most one non-terminal job.
type Pipeline struct {
	cfg      Config
	blobs    Presigner
	uploader Uploader
	sup      *proc.Supervisor
	httpc    *http.Client
	log      *slog.Logger
	metrics  *metrics.Metrics // may be nil

	baseCtx context.Context // cancelled on shutdown; jobs observe it

	mu    sync.Mutex
	store Store

	wg sync.WaitGroup
}

// New returns a running pipeline. ctx is the process lifetime: cancelling it
// aborts in-flight jobs and stops the reaper. metrics may be nil.
func New(ctx context.Context, cfg Config, blobs Presigner, uploader Uploader, sup *proc.Supervisor, log *slog.Logger, m *metrics.Metrics) *Pipeline {
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = defaultJobTTL
	}
	p := &Pipeline{
		cfg:      cfg,
		blobs:    blobs,
		uploader: uploader,
		sup:      sup,
		httpc:    &http.Client{},
		log:      log,
		metrics:  m,
		baseCtx:  ctx,
		store:    NewInMemoryStore(),
	}
	p.wg.Add(1)
	go p.reapLoop(ctx)
	return p
}

// Submit admits a new job for streamName unless a non-terminal one exists.
// The job runs on a background goroutine; Submit returns immediately.
func (p *Pipeline) Submit(streamName, remoteKey string) error {
	p.mu.Lock()
	if j, ok := p.store.Get(streamName); ok && !j.State.Terminal() {
		p.mu.Unlock()
		return fmt.Errorf("%q: %w", streamName, ErrJobAlreadyRunning)
	}
	p.store.Set(&Job{
		StreamName: streamName,
		RemoteKey:  remoteKey,
		State:      StateQueued,
		Message:    "queued for processing",
		StartedAt:  time.Now().UTC(),
	})
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.IncJobsStarted()
	}
	p.log.Info("processing job accepted",
		slog.String("stream", streamName),
		slog.String("remote_key", remoteKey))

	p.wg.Add(1)
	go p.run(streamName, remoteKey)
	return nil
}

// GetStatus returns the current snapshot for streamName, or ErrJobNotFound.
func (p *Pipeline) GetStatus(streamName string) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.store.Get(streamName)
	if !ok {
		return Snapshot{}, fmt.Errorf("%q: %w", streamName, ErrJobNotFound)
	}
	return j.snapshot(), nil
}

// Close waits for in-flight jobs and the reaper to finish. Call after
// cancelling the context passed to New.
func (p *Pipeline) Close() {
	p.wg.Wait()
}

// run drives one job through its stages. Errors mark the job failed; they
// never propagate out of the goroutine.
func (p *Pipeline) run(streamName, remoteKey string) {
	defer p.wg.Done()
	defer p.cleanup(streamName)

	ctx := p.baseCtx

	p.setState(streamName, StateDownloading, 10, "downloading source video")
	src, err := p.download(ctx, streamName, remoteKey)
	if err != nil {
		p.fail(streamName, err)
		return
	}

	p.setState(streamName, StateChunking, 40, "segmenting video into chunks")
	chunks, err := p.chunk(ctx, streamName, src)
	if err != nil {
		p.fail(streamName, err)
		return
	}

	p.setState(streamName, StateUploading, 70, "uploading chunks to ingestion api")
	results := p.uploader.UploadAll(ctx, chunks)
	p.finalize(streamName, results)
}

// download resolves a presigned URL for remoteKey and streams the body to a
// scratch file, which is recorded in the job's cleanup manifest before any
// bytes land.
func (p *Pipeline) download(ctx context.Context, streamName, remoteKey string) (string, error) {
	url, err := p.blobs.PresignGet(ctx, remoteKey)
	if err != nil {
		return "", fmt.Errorf("%w: presign %q: %v", ErrDownload, remoteKey, err)
	}

	if err := os.MkdirAll(p.cfg.TempDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownload, err)
	}
	dest := filepath.Join(p.cfg.TempDir, streamName+".mp4")
	p.addTempPath(streamName, dest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownload, err)
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d fetching %q", ErrDownload, resp.StatusCode, remoteKey)
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownload, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: %v", ErrDownload, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownload, err)
	}

	p.log.Info("source downloaded",
		slog.String("stream", streamName),
		slog.String("path", dest))
	return dest, nil
}

// chunk probes src's duration, splits it per the chunk plan, records every
// produced path in the cleanup manifest, and returns the ordered chunk paths.
func (p *Pipeline) chunk(ctx context.Context, streamName, src string) ([]string, error) {
	dur, err := p.probeDuration(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentation, err)
	}

	outDir := filepath.Join(p.cfg.TempDir, streamName+"_chunks")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentation, err)
	}

	chunks, err := p.segment(ctx, src, outDir, chunkSeconds(dur))
	if err != nil {
		p.addTempPath(streamName, outDir)
		return nil, err
	}

	for _, c := range chunks {
		p.addTempPath(streamName, c)
	}
	// Directory last so cleanup removes it after its contents.
	p.addTempPath(streamName, outDir)

	p.log.Info("source segmented",
		slog.String("stream", streamName),
		slog.Int("chunks", len(chunks)))
	return chunks, nil
}

// finalize maps the per-chunk outcomes onto the job's terminal state: all
// failed means Failed, all succeeded means Completed, and a mix means
// CompletedWithWarnings with the failure reasons retained.
func (p *Pipeline) finalize(streamName string, results []ingest.ChunkResult) {
	outcomes := make([]ChunkOutcome, len(results))
	failed := 0
	for i, res := range results {
		outcomes[i] = ChunkOutcome{Path: res.Path, ID: res.ID}
		if res.Err != nil {
			outcomes[i].Error = res.Err.Error()
			failed++
		}
	}

	state := StateCompleted
	msg := "video processing completed successfully"
	switch {
	case failed == len(results):
		state = StateFailed
		msg = fmt.Sprintf("all %d chunk uploads failed", len(results))
	case failed > 0:
		state = StateCompletedWithWarnings
		msg = fmt.Sprintf("%d of %d chunk uploads failed", failed, len(results))
	}

	p.mu.Lock()
	if j, ok := p.store.Get(streamName); ok {
		j.State = state
		j.Progress = 100
		j.Message = msg
		j.Chunks = outcomes
		j.CompletedAt = time.Now().UTC()
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.IncChunkUploads(len(results))
		p.metrics.IncChunkUploadFailures(failed)
		switch state {
		case StateCompleted:
			p.metrics.IncJobsCompleted()
		case StateCompletedWithWarnings:
			p.metrics.IncJobsDegraded()
		case StateFailed:
			p.metrics.IncJobsFailed()
		}
	}

	p.log.Info("processing job finished",
		slog.String("stream", streamName),
		slog.String("state", string(state)),
		slog.Int("chunks_failed", failed),
		slog.Int("chunks_total", len(results)))
}

// cleanup removes every path in the job's manifest, in order. Already-missing
// files are fine; anything else is logged and skipped.
func (p *Pipeline) cleanup(streamName string) {
	p.mu.Lock()
	var paths []string
	if j, ok := p.store.Get(streamName); ok {
		paths = append(paths, j.tempPaths...)
		j.tempPaths = nil
	}
	p.mu.Unlock()

	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.log.Warn("temp cleanup failed",
				slog.String("stream", streamName),
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}
}

// setState advances a non-terminal job to the next stage.
func (p *Pipeline) setState(streamName string, state State, progress int, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.store.Get(streamName)
	if !ok || j.State.Terminal() {
		return
	}
	j.State = state
	j.Progress = progress
	j.Message = msg
}

// fail moves the job to StateFailed with a descriptive message.
func (p *Pipeline) fail(streamName string, cause error) {
	p.mu.Lock()
	if j, ok := p.store.Get(streamName); ok {
		j.State = StateFailed
		j.Message = cause.Error()
		j.CompletedAt = time.Now().UTC()
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.IncJobsFailed()
	}
	p.log.Error("processing job failed",
		slog.String("stream", streamName),
		slog.String("error", cause.Error()))
}

// addTempPath records a path in the job's cleanup manifest.
func (p *Pipeline) addTempPath(streamName, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if j, ok := p.store.Get(streamName); ok {
		j.addTempPath(path)
	}
}

// reapLoop evicts terminal job records older than the TTL so the status map
// does not grow forever.
func (p *Pipeline) reapLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.reapOnce(now)
		}
	}
}

// reapOnce removes terminal jobs whose completion is older than the TTL.
func (p *Pipeline) reapOnce(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range p.store.ListNames() {
		j, ok := p.store.Get(name)
		if !ok || !j.State.Terminal() || j.CompletedAt.IsZero() {
			continue
		}
		if now.Sub(j.CompletedAt) > p.cfg.JobTTL {
			p.store.Delete(name)
		}
	}
}
