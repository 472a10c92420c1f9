package worker

// streamRequest is the body shared by the stream lookup endpoints.
type streamRequest struct {
	StreamName string `json:"stream_name"`
}

// addStreamRequest submits a background processing job.
type addStreamRequest struct {
	StreamName string `json:"stream_name"`
	RemoteKey  string `json:"remote_key"`
}

// acceptedResponse acknowledges a job submission.
type acceptedResponse struct {
	Message    string `json:"message"`
	StreamName string `json:"stream_name"`
	Status     string `json:"status"`
}

// errorResponse carries a client-facing error message.
type errorResponse struct {
	Error string `json:"error"`
}

// PresetFeed is one looping source file published under a fixed feed name.
type PresetFeed struct {
	File string
	Name string
}
