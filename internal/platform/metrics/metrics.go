package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream worker.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	activeSessions       prometheus.Gauge
	jobsStartedTotal     prometheus.Counter
	jobsCompletedTotal   prometheus.Counter
	jobsDegradedTotal    prometheus.Counter
	jobsFailedTotal      prometheus.Counter
	chunkUploadsTotal    prometheus.Counter
	chunkUploadFailTotal prometheus.Counter
}

// New creates and registers Prometheus metrics for the stream worker.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active_stream_sessions",
		Help: "Number of live transcoder sessions feeding the remux server",
	})
	jobsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_processing_jobs_started_total",
		Help: "Total number of background processing jobs accepted",
	})
	jobsCompletedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_processing_jobs_completed_total",
		Help: "Total number of jobs that completed with every chunk uploaded",
	})
	jobsDegradedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_processing_jobs_degraded_total",
		Help: "Total number of jobs that completed with some chunk uploads failed",
	})
	jobsFailedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_processing_jobs_failed_total",
		Help: "Total number of jobs that ended in the failed state",
	})
	chunkUploadsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_chunk_uploads_total",
		Help: "Total number of chunk uploads attempted",
	})
	chunkUploadFailTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_chunk_upload_failures_total",
		Help: "Total number of chunk uploads that failed",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		activeSessions,
		jobsStartedTotal,
		jobsCompletedTotal,
		jobsDegradedTotal,
		jobsFailedTotal,
		chunkUploadsTotal,
		chunkUploadFailTotal,
	)

	return &Metrics{
		registry:             registry,
		requestsTotal:        requestsTotal,
		errorsTotal:          errorsTotal,
		activeSessions:       activeSessions,
		jobsStartedTotal:     jobsStartedTotal,
		jobsCompletedTotal:   jobsCompletedTotal,
		jobsDegradedTotal:    jobsDegradedTotal,
		jobsFailedTotal:      jobsFailedTotal,
		chunkUploadsTotal:    chunkUploadsTotal,
		chunkUploadFailTotal: chunkUploadFailTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetActiveSessions sets the active transcoder session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncJobsStarted increments the accepted job counter.
func (m *Metrics) IncJobsStarted() {
	m.jobsStartedTotal.Inc()
}

// IncJobsCompleted increments the fully completed job counter.
func (m *Metrics) IncJobsCompleted() {
	m.jobsCompletedTotal.Inc()
}

// IncJobsDegraded increments the completed-with-warnings job counter.
func (m *Metrics) IncJobsDegraded() {
	m.jobsDegradedTotal.Inc()
}

// IncJobsFailed increments the failed job counter.
func (m *Metrics) IncJobsFailed() {
	m.jobsFailedTotal.Inc()
}

// IncChunkUploads adds n attempted chunk uploads.
func (m *Metrics) IncChunkUploads(n int) {
	m.chunkUploadsTotal.Add(float64(n))
}

// IncChunkUploadFailures adds n failed chunk uploads.
func (m *Metrics) IncChunkUploadFailures(n int) {
	m.chunkUploadFailTotal.Add(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
