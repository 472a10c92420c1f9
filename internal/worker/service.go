// Package worker ties the stream registry and the processing pipeline to the
// HTTP surface.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"rtsp-stream-worker/internal/proc"
	"rtsp-stream-worker/internal/remux"
)

// Registrar registers a local RTSP feed under a public path and returns its
// playback URL.
type Registrar interface {
	AddStream(localRTSPURL, name string) (string, error)
}

// streamSession is the slice of remux.Session the service drives.
type streamSession interface {
	LocalURL() string
	Start(ctx context.Context) error
	Cleanup()
}

// Service owns the preset registry, the live transcoder sessions, and the
// cache of stream name to public playback URLs.
type Service struct {
	presets map[string][]PresetFeed
	orch    Registrar
	log     *slog.Logger

	// newSession is swapped in tests to avoid spawning a real transcoder.
	newSession func(sourceFile, name string) (streamSession, error)

	mu       sync.Mutex
	mappings map[string][]string
	sessions map[string][]streamSession
}

// NewService wires the registry with real remux sessions.
func NewService(presets map[string][]PresetFeed, orch Registrar, sessionCfg remux.SessionConfig, sup *proc.Supervisor, log *slog.Logger) *Service {
	return &Service{
		presets: presets,
		orch:    orch,
		log:     log,
		newSession: func(sourceFile, name string) (streamSession, error) {
			return remux.NewSession(sessionCfg, sup, log, sourceFile, name)
		},
		mappings: make(map[string][]string),
		sessions: make(map[string][]streamSession),
	}
}

// LoadStream publishes every preset feed for the given stream name and
// returns the public playback URLs. Results are cached: a second call
// returns the same URLs without starting new sessions. Unknown names return
// an empty list and no error, so clients can poll cheaply.
func (s *Service) LoadStream(ctx context.Context, name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if urls, ok := s.mappings[name]; ok {
		return append([]string(nil), urls...), nil
	}

	feeds, ok := s.presets[name]
	if !ok {
		return []string{}, nil
	}

	var urls []string
	var started []streamSession
	cleanupStarted := func() {
		for _, sess := range started {
			sess.Cleanup()
		}
	}

	for _, feed := range feeds {
		sess, err := s.newSession(feed.File, feed.Name)
		if err != nil {
			cleanupStarted()
			return nil, fmt.Errorf("create session for %s: %w", feed.Name, err)
		}

		playback, err := s.orch.AddStream(sess.LocalURL(), feed.Name)
		if err != nil {
			sess.Cleanup()
			cleanupStarted()
			return nil, fmt.Errorf("register %s: %w", feed.Name, err)
		}

		if err := sess.Start(ctx); err != nil {
			sess.Cleanup()
			cleanupStarted()
			return nil, fmt.Errorf("start session %s: %w", feed.Name, err)
		}

		started = append(started, sess)
		urls = append(urls, playback)
		s.log.Info("preset feed published",
			slog.String("stream", name),
			slog.String("feed", feed.Name))
	}

	s.mappings[name] = urls
	s.sessions[name] = started
	return append([]string(nil), urls...), nil
}

// GetStream returns the cached playback URLs for name, or an empty list.
func (s *Service) GetStream(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls, ok := s.mappings[name]
	if !ok {
		return []string{}
	}
	return append([]string(nil), urls...)
}

// ActiveSessionCount returns the number of live transcoder sessions, for the
// metrics gauge.
func (s *Service) ActiveSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sessions := range s.sessions {
		n += len(sessions)
	}
	return n
}

// CleanupAll terminates every live session. Called during shutdown.
func (s *Service) CleanupAll() {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string][]streamSession)
	s.mappings = make(map[string][]string)
	s.mu.Unlock()

	for name, sessions := range all {
		for _, sess := range sessions {
			sess.Cleanup()
		}
		s.log.Info("stream sessions stopped", slog.String("stream", name))
	}
}

// LoadPresets scans dir for preset streams: each subdirectory is a stream
// name, and every .mp4 inside becomes one feed named after the file. Feeds
// are ordered by filename so repeated runs publish the same layout.
func LoadPresets(dir string) (map[string][]PresetFeed, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read preset dir %s: %w", dir, err)
	}

	presets := make(map[string][]PresetFeed)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		streamDir := filepath.Join(dir, entry.Name())
		files, err := os.ReadDir(streamDir)
		if err != nil {
			return nil, fmt.Errorf("read preset dir %s: %w", streamDir, err)
		}

		var feeds []PresetFeed
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".mp4") {
				continue
			}
			feeds = append(feeds, PresetFeed{
				File: filepath.Join(streamDir, f.Name()),
				Name: strings.TrimSuffix(f.Name(), ".mp4"),
			})
		}
		sort.Slice(feeds, func(i, j int) bool { return feeds[i].Name < feeds[j].Name })
		if len(feeds) > 0 {
			presets[entry.Name()] = feeds
		}
	}
	return presets, nil
}
