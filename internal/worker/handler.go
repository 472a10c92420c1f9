package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"rtsp-stream-worker/internal/pipeline"
	"rtsp-stream-worker/internal/platform/metrics"
)

// ServiceName identifies this worker in health responses.
const ServiceName = "rtsp-stream-worker"

// Streams is the stream-registry surface the handler needs.
type Streams interface {
	LoadStream(ctx context.Context, name string) ([]string, error)
	GetStream(name string) []string
}

// Jobs is the background-pipeline surface the handler needs.
type Jobs interface {
	Submit(streamName, remoteKey string) error
	GetStatus(streamName string) (pipeline.Snapshot, error)
}

// Handler exposes the worker HTTP endpoints using go-chi.
type Handler struct {
	streams Streams
	jobs    Jobs
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler over the given services. Metrics may be nil to
// disable metric recording (e.g. in tests).
func NewHandler(streams Streams, jobs Jobs, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{streams: streams, jobs: jobs, log: log, metrics: m}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
	})
}

// LoadStream handles POST /load_stream. Body: { "stream_name": "..." }.
// Publishes the preset feeds for the stream and returns their playback URLs;
// unknown names return an empty list with 200.
func (h *Handler) LoadStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StreamName == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing stream name"})
		return
	}

	urls, err := h.streams.LoadStream(r.Context(), req.StreamName)
	if err != nil {
		h.log.Error("load stream failed",
			slog.String("stream", req.StreamName),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to publish stream"})
		return
	}

	writeJSON(w, http.StatusOK, urls)
}

// GetStream handles POST /get_stream. Returns the cached playback URLs, or
// an empty list for unknown names.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StreamName == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing stream name"})
		return
	}

	writeJSON(w, http.StatusOK, h.streams.GetStream(req.StreamName))
}

// AddStream handles POST /add_stream. Body: { "stream_name", "remote_key" }.
// Accepts a background processing job and returns 202 immediately; progress
// is polled via GetProcessingStatus.
func (h *Handler) AddStream(w http.ResponseWriter, r *http.Request) {
	var req addStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StreamName == "" || req.RemoteKey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing stream name or remote key"})
		return
	}

	if err := h.jobs.Submit(req.StreamName, req.RemoteKey); err != nil {
		if errors.Is(err, pipeline.ErrJobAlreadyRunning) {
			h.log.Info("job submission rejected",
				slog.String("stream", req.StreamName),
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusConflict, errorResponse{Error: "processing already in progress for stream"})
			return
		}
		h.log.Error("job submission failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to start processing"})
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{
		Message:    "Video processing started",
		StreamName: req.StreamName,
		Status:     "processing",
	})
}

// GetProcessingStatus handles POST /get_processing_status. Returns the job
// snapshot, or 404 for unknown stream names.
func (h *Handler) GetProcessingStatus(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StreamName == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing stream name"})
		return
	}

	snap, err := h.jobs.GetStatus(req.StreamName)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "stream not found"})
		return
	}

	writeJSON(w, http.StatusOK, snap)
}
