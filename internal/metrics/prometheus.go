// Package metrics defines the Prometheus instrumentation for the STT service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the STT service
type Metrics struct {
	// Model cache metrics
	ModelLoads    prometheus.Counter
	ModelLoadTime prometheus.Histogram
	ModelsLoaded  prometheus.Gauge

	// Dispatcher metrics
	JobsSubmitted prometheus.Counter
	JobsRejected  prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsDiscarded prometheus.Counter
	QueueDepth    prometheus.Gauge
	JobsInflight  prometheus.Gauge
	InferenceTime prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	AudioDuration          prometheus.Histogram

	// Streaming session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsFailed  prometheus.Counter
	SessionDuration prometheus.Histogram
	ChunksReceived  prometheus.Counter
	BufferDrains    prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewMetricsWith creates metrics registered on the given registry. Tests use
// this to avoid duplicate-registration panics on the default registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		// Model cache metrics
		ModelLoads: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_model_loads_total",
			Help: "Total number of model load operations",
		}),
		ModelLoadTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_model_load_seconds",
			Help:    "Model load duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		ModelsLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_models_loaded",
			Help: "Current number of loaded models",
		}),

		// Dispatcher metrics
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_dispatch_jobs_submitted_total",
			Help: "Total number of inference jobs submitted to the dispatcher",
		}),
		JobsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_dispatch_jobs_rejected_total",
			Help: "Total number of jobs rejected because the queue bound was exceeded",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_dispatch_jobs_completed_total",
			Help: "Total number of inference jobs completed successfully",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_dispatch_jobs_failed_total",
			Help: "Total number of inference jobs that failed",
		}),
		JobsDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_dispatch_jobs_discarded_total",
			Help: "Total number of jobs whose results were discarded after caller abandonment",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_dispatch_queue_depth",
			Help: "Current number of jobs waiting in the dispatcher queue",
		}),
		JobsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_dispatch_jobs_inflight",
			Help: "Current number of inference jobs executing on workers",
		}),
		InferenceTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_inference_seconds",
			Help:    "Inference job execution time in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_requests_total",
			Help: "Total number of unary transcription requests",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_successes_total",
			Help: "Total number of successful transcriptions",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_failures_total",
			Help: "Total number of failed transcriptions",
		}),
		AudioDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_audio_duration_seconds",
			Help:    "Duration of transcribed audio in seconds",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		}),

		// Streaming session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_active_sessions",
			Help: "Current number of active streaming sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_sessions_created_total",
			Help: "Total number of streaming sessions created",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_sessions_failed_total",
			Help: "Total number of streaming sessions terminated by error",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_session_duration_seconds",
			Help:    "Streaming session duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}),
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_session_chunks_received_total",
			Help: "Total number of audio chunks received on streaming sessions",
		}),
		BufferDrains: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_session_buffer_drains_total",
			Help: "Total number of threshold-triggered buffer drains",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_requests_total",
			Help: "Total number of HTTP requests by method, endpoint, and status",
		}, []string{"method", "endpoint", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stt_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_errors_total",
			Help: "Total number of HTTP errors by method, endpoint, and type",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, duration float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordHTTPError records an HTTP error response.
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
