package pipeline

// Store is the persistence abstraction for job records.
// Implementations can be in-memory, file-based, or remote.
// The Pipeline uses Store for all reads and writes and guards every call with
// its own mutex; Store implementations do not need to be concurrency-safe.
type Store interface {
	Get(streamName string) (*Job, bool)
	Set(j *Job)
	Delete(streamName string)
	ListNames() []string
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	jobs map[string]*Job
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[string]*Job),
	}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(streamName string) (*Job, bool) {
	j, ok := s.jobs[streamName]
	return j, ok
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(j *Job) {
	s.jobs[j.StreamName] = j
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(streamName string) {
	delete(s.jobs, streamName)
}

// ListNames implements Store.ListNames.
func (s *InMemoryStore) ListNames() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}
