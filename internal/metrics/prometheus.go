package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice session service.
// Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	SessionErrors    *prometheus.CounterVec
	SessionStatus    *prometheus.GaugeVec
	RecordingLength  prometheus.Histogram
	AudioLevel       prometheus.Gauge

	// Audio chunking metrics
	ChunksGenerated   prometheus.Counter
	ChunkDuration     prometheus.Histogram
	ChunkSize         prometheus.Histogram
	SpeechProbability prometheus.Histogram

	// Streaming channel metrics
	StreamEventsSent     *prometheus.CounterVec
	StreamSendFailures   *prometheus.CounterVec
	StreamEventsReceived *prometheus.CounterVec
	StreamConnected      prometheus.Gauge
	StreamReconnects     prometheus.Counter

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  *prometheus.CounterVec
	TranscriptionDuration  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_started_total",
			Help: "Total number of capture sessions started",
		}),
		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_sessions_finished_total",
			Help: "Total number of capture sessions finished, by outcome",
		}, []string{"outcome"}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_session_errors_total",
			Help: "Total number of session errors, by kind",
		}, []string{"kind"}),
		SessionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voice_session_status",
			Help: "Current session status (1 for the active status)",
		}, []string{"status"}),
		RecordingLength: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_recording_duration_seconds",
			Help:    "Duration of completed recordings",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),
		AudioLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_audio_level",
			Help: "Current normalized input level (0-1)",
		}),

		// Audio chunking metrics
		ChunksGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_audio_chunks_generated_total",
			Help: "Total number of audio chunks emitted by the recorder",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_chunk_duration_seconds",
			Help:    "Duration of emitted audio chunks",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_chunk_size_bytes",
			Help:    "Size of emitted audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		SpeechProbability: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_chunk_speech_probability",
			Help:    "Voice activity probability of emitted chunks",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),

		// Streaming channel metrics
		StreamEventsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_stream_events_sent_total",
			Help: "Total number of events transmitted on the streaming channel",
		}, []string{"event"}),
		StreamSendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_stream_send_failures_total",
			Help: "Total number of events not transmitted, by reason",
		}, []string{"event", "reason"}),
		StreamEventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_stream_events_received_total",
			Help: "Total number of inbound streaming events, by disposition",
		}, []string{"event", "disposition"}),
		StreamConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_stream_connected",
			Help: "Whether the streaming channel is connected (1) or not (0)",
		}),
		StreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_stream_reconnects_total",
			Help: "Total number of streaming channel reconnect attempts",
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_requests_total",
			Help: "Total number of final transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_successes_total",
			Help: "Total number of successful final transcription requests",
		}),
		TranscriptionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_transcription_failures_total",
			Help: "Total number of failed final transcription requests",
		}, []string{"reason"}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_transcription_duration_seconds",
			Help:    "Duration of final transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// RecordSessionFinished records how a session ended and its recording length
func (m *Metrics) RecordSessionFinished(outcome string, recordingSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsFinished.WithLabelValues(outcome).Inc()
	if recordingSeconds > 0 {
		m.RecordingLength.Observe(recordingSeconds)
	}
}

// RecordSessionError increments the error counter for kind
func (m *Metrics) RecordSessionError(kind string) {
	if m == nil {
		return
	}
	m.SessionErrors.WithLabelValues(kind).Inc()
}

// SetSessionStatus marks status as current among all known statuses
func (m *Metrics) SetSessionStatus(status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		value := 0.0
		if s == status {
			value = 1
		}
		m.SessionStatus.WithLabelValues(s).Set(value)
	}
}

// SetAudioLevel sets the current input level
func (m *Metrics) SetAudioLevel(level float64) {
	if m == nil {
		return
	}
	m.AudioLevel.Set(level)
}

// RecordChunkGenerated records an emitted audio chunk
func (m *Metrics) RecordChunkGenerated(durationSeconds float64, sizeBytes int, speechProbability float64) {
	if m == nil {
		return
	}
	m.ChunksGenerated.Inc()
	m.ChunkDuration.Observe(durationSeconds)
	m.ChunkSize.Observe(float64(sizeBytes))
	m.SpeechProbability.Observe(speechProbability)
}

// RecordEventSent increments the transmitted events counter
func (m *Metrics) RecordEventSent(event string) {
	if m == nil {
		return
	}
	m.StreamEventsSent.WithLabelValues(event).Inc()
}

// RecordSendFailure increments the untransmitted events counter
func (m *Metrics) RecordSendFailure(event, reason string) {
	if m == nil {
		return
	}
	m.StreamSendFailures.WithLabelValues(event, reason).Inc()
}

// RecordEventReceived records an inbound event as "accepted" or "discarded"
func (m *Metrics) RecordEventReceived(event, disposition string) {
	if m == nil {
		return
	}
	m.StreamEventsReceived.WithLabelValues(event, disposition).Inc()
}

// SetStreamConnected sets the streaming channel connection gauge
func (m *Metrics) SetStreamConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.StreamConnected.Set(1)
	} else {
		m.StreamConnected.Set(0)
	}
}

// RecordStreamReconnect increments the reconnect counter
func (m *Metrics) RecordStreamReconnect() {
	if m == nil {
		return
	}
	m.StreamReconnects.Inc()
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.WithLabelValues(reason).Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
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
