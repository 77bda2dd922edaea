package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the vox relay service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Recorder lifecycle metrics
	Running        prometheus.Gauge
	RunsStarted    prometheus.Counter
	DevicesLost    prometheus.Counter
	EventsDropped  prometheus.Counter
	BufferedBytes  prometheus.Gauge
	UploadQueueLen prometheus.Gauge

	// Vox metrics
	Ticks          prometheus.Counter
	TickDuration   prometheus.Histogram
	WindowSize     prometheus.Histogram
	Transitions    *prometheus.CounterVec
	RecordingState prometheus.Gauge
	DiscardedBytes prometheus.Counter

	// Session metrics
	Sessions        *prometheus.CounterVec
	SessionSize     prometheus.Histogram
	SessionDuration prometheus.Histogram

	// Upload metrics
	Uploads        *prometheus.CounterVec
	UploadFailures *prometheus.CounterVec
	UploadRetries  prometheus.Counter
	UploadDuration prometheus.Histogram
	StagedBytes    prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Recorder lifecycle metrics
		Running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxrelay_recorder_running",
			Help: "1 while the recorder is running, 0 when stopped",
		}),
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_recorder_starts_total",
			Help: "Total number of recorder starts",
		}),
		DevicesLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_devices_lost_total",
			Help: "Total number of runs ended by a capture device failure",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_events_dropped_total",
			Help: "Total number of status events dropped for slow subscribers",
		}),
		BufferedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxrelay_buffered_bytes",
			Help: "Bytes currently held in the activity buffer",
		}),
		UploadQueueLen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxrelay_upload_queue_size",
			Help: "Sessions waiting for the upload worker",
		}),

		// Vox metrics
		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_vox_ticks_total",
			Help: "Total number of vox analysis ticks",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_vox_tick_duration_seconds",
			Help:    "Time spent analysing one tick window",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8), // 10us to ~160ms
		}),
		WindowSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_vox_window_bytes",
			Help:    "Size of the analysed window per tick",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 8), // 1KB to 128KB
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_vox_transitions_total",
			Help: "Total number of state transitions by target state",
		}, []string{"to"}),
		RecordingState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxrelay_vox_recording",
			Help: "1 while recording, 0 while idle",
		}),
		DiscardedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_vox_discarded_bytes_total",
			Help: "Total number of idle bytes discarded",
		}),

		// Session metrics
		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_sessions_total",
			Help: "Total number of completed recording sessions by end cause",
		}, []string{"cause"}),
		SessionSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_session_size_bytes",
			Help:    "Size of completed recording sessions",
			Buckets: prometheus.ExponentialBuckets(16000, 2, 10), // 1s to ~8 minutes of audio
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_session_duration_seconds",
			Help:    "Audio duration of completed recording sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Upload metrics
		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_uploads_total",
			Help: "Total number of uploads by outcome",
		}, []string{"outcome"}),
		UploadFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_upload_failures_total",
			Help: "Total number of failed uploads by reason",
		}, []string{"reason"}),
		UploadRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_upload_retries_total",
			Help: "Total number of upload retries",
		}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_upload_duration_seconds",
			Help:    "Duration of uploads including staging and retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		StagedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_staged_bytes_total",
			Help: "Total number of bytes written to the staging directory",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxrelay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetRunning records the recorder lifecycle state
func (m *Metrics) SetRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.RunsStarted.Inc()
		m.Running.Set(1)
	} else {
		m.Running.Set(0)
		m.RecordingState.Set(0)
		m.BufferedBytes.Set(0)
		m.UploadQueueLen.Set(0)
	}
}

// RecordDeviceLost increments the device lost counter
func (m *Metrics) RecordDeviceLost() {
	if m == nil {
		return
	}
	m.DevicesLost.Inc()
}

// RecordEventDropped increments the dropped events counter
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// RecordTick records one analysis tick
func (m *Metrics) RecordTick(windowBytes, bufferedBytes, discardedBytes int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(durationSeconds)
	m.WindowSize.Observe(float64(windowBytes))
	m.BufferedBytes.Set(float64(bufferedBytes))
	if discardedBytes > 0 {
		m.DiscardedBytes.Add(float64(discardedBytes))
	}
}

// RecordTransition records a state change
func (m *Metrics) RecordTransition(to string, recording bool) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to).Inc()
	if recording {
		m.RecordingState.Set(1)
	} else {
		m.RecordingState.Set(0)
	}
}

// RecordSession records a completed recording session
func (m *Metrics) RecordSession(cause string, sizeBytes int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(cause).Inc()
	m.SessionSize.Observe(float64(sizeBytes))
	m.SessionDuration.Observe(durationSeconds)
}

// SetUploadQueue sets the number of queued sessions
func (m *Metrics) SetUploadQueue(size int) {
	if m == nil {
		return
	}
	m.UploadQueueLen.Set(float64(size))
}

// RecordStaged records bytes written to staging
func (m *Metrics) RecordStaged(sizeBytes int64) {
	if m == nil {
		return
	}
	m.StagedBytes.Add(float64(sizeBytes))
}

// RecordUploadSuccess records a successful upload
func (m *Metrics) RecordUploadSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues("success").Inc()
	m.UploadDuration.Observe(durationSeconds)
}

// RecordUploadFailure records a failed upload
func (m *Metrics) RecordUploadFailure(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues("failure").Inc()
	m.UploadFailures.WithLabelValues(reason).Inc()
	m.UploadDuration.Observe(durationSeconds)
}

// RecordUploadRetry increments the retry counter
func (m *Metrics) RecordUploadRetry() {
	if m == nil {
		return
	}
	m.UploadRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
