package pipeline

import "time"

// State is a processing job's lifecycle state. Transitions only move forward,
// except that any state may transition to StateFailed.
type State string

const (
	StateQueued                State = "queued"
	StateDownloading           State = "downloading"
	StateChunking              State = "chunking"
	StateUploading             State = "uploading"
	StateCompleted             State = "completed"
	StateCompletedWithWarnings State = "completed_with_warnings"
	StateFailed                State = "failed"
)

// Terminal reports whether the state ends the job.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCompletedWithWarnings, StateFailed:
		return true
	}
	return false
}

// ChunkOutcome records how one chunk upload ended. Exactly one of ID and
// Error is set.
type ChunkOutcome struct {
	Path  string `json:"path"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Job is the mutable record for one background processing job, keyed by
// stream name. All access goes through the pipeline mutex.
type Job struct {
	StreamName  string
	RemoteKey   string
	State       State
	Progress    int
	Message     string
	StartedAt   time.Time
	CompletedAt time.Time
	Chunks      []ChunkOutcome

	// tempPaths is the ordered manifest of filesystem paths this job created.
	// Cleanup iterates exactly this list and nothing else.
	tempPaths []string
}

// addTempPath appends p to the cleanup manifest, once.
func (j *Job) addTempPath(p string) {
	for _, existing := range j.tempPaths {
		if existing == p {
			return
		}
	}
	j.tempPaths = append(j.tempPaths, p)
}

// Snapshot is the immutable job view returned to status pollers.
type Snapshot struct {
	StreamName  string         `json:"stream_name"`
	Status      State          `json:"status"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Chunks      []ChunkOutcome `json:"chunks,omitempty"`
}

// snapshot copies the job into a Snapshot. Caller holds the pipeline mutex.
func (j *Job) snapshot() Snapshot {
	s := Snapshot{
		StreamName: j.StreamName,
		Status:     j.State,
		Progress:   j.Progress,
		Message:    j.Message,
		StartedAt:  j.StartedAt,
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		s.CompletedAt = &t
	}
	if len(j.Chunks) > 0 {
		s.Chunks = append([]ChunkOutcome(nil), j.Chunks...)
	}
	return s
}
