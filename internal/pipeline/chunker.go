package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// shortSourceCutoff is the duration below which a source is kept whole
	// instead of being split.
	shortSourceCutoff = 60.0
	// longSourceChunks is the fixed chunk count for sources at or above the
	// cutoff.
	longSourceChunks = 4

	segmentTimeout = time.Hour
	segmentGrace   = 5 * time.Second
)

// chunkSeconds returns the per-chunk duration for a source of the given total
// duration: the whole file below the cutoff, otherwise an even four-way split.
func chunkSeconds(total float64) float64 {
	if total < shortSourceCutoff {
		return total
	}
	return total / longSourceChunks
}

// probeDuration returns the duration of the video at path in seconds, via
// ffprobe.
func (p *Pipeline) probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, p.cfg.FFprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return dur, nil
}

// segment splits src into stream-copied chunks of chunkDur seconds each,
// written into outDir, and returns the chunk paths in order. The run is
// bounded by segmentTimeout; an empty result is an error, never silently
// accepted.
func (p *Pipeline) segment(ctx context.Context, src, outDir string, chunkDur float64) ([]string, error) {
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	pattern := filepath.Join(outDir, strings.ReplaceAll(base, " ", "_")+"_chunk_%04d.mp4")

	args := []string{
		"-i", src,
		"-c", "copy",
		"-map", "0",
		"-segment_time", strconv.FormatFloat(chunkDur, 'f', -1, 64),
		"-f", "segment",
		"-reset_timestamps", "1",
		pattern,
	}

	h, err := p.sup.Spawn("ffmpeg-chunk", p.cfg.FFmpegBin, args, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentation, err)
	}

	select {
	case <-h.Done():
	case <-time.After(segmentTimeout):
		h.Terminate(segmentGrace)
		return nil, fmt.Errorf("%w: timed out after %s", ErrSegmentation, segmentTimeout)
	case <-ctx.Done():
		h.Terminate(segmentGrace)
		return nil, ctx.Err()
	}

	if code, _ := h.ExitCode(); code != 0 {
		return nil, fmt.Errorf("%w: ffmpeg exited with code %d", ErrSegmentation, code)
	}

	chunks, err := filepath.Glob(filepath.Join(outDir, "*.mp4"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentation, err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunk files in %s", ErrSegmentation, outDir)
	}
	sort.Strings(chunks)
	return chunks, nil
}
