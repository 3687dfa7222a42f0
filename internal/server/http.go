package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/voice-session-service/internal/capture"
	"github.com/skypro1111/voice-session-service/internal/config"
	"github.com/skypro1111/voice-session-service/internal/metrics"
	"github.com/skypro1111/voice-session-service/internal/permission"
	"github.com/skypro1111/voice-session-service/internal/session"
	"github.com/skypro1111/voice-session-service/internal/streaming"
	"github.com/skypro1111/voice-session-service/internal/transcription"
)

// SessionController is the session surface driven by the API
type SessionController interface {
	Start(ctx context.Context) session.Status
	Stop(ctx context.Context) session.Status
	Toggle(ctx context.Context) session.Status
	ClearError()
	Snapshot() session.Snapshot
}

// PermissionView exposes the observed permission state
type PermissionView interface {
	State() permission.State
	LastError() string
}

// PermissionSetter changes the simulated permission state
type PermissionSetter interface {
	Set(state permission.State)
}

// TranscriptionStats reports final transcription statistics
type TranscriptionStats interface {
	GetStats() transcription.ClientStats
}

// StreamerStats reports chunk streamer statistics
type StreamerStats interface {
	GetStats() streaming.StreamerStats
}

// CaptureStats reports capture engine statistics
type CaptureStats interface {
	GetStats() capture.EngineStats
}

// Components are the parts of the service the API reports on
type Components struct {
	Session          SessionController
	Permission       PermissionView
	PermissionSetter PermissionSetter // optional, POST /permission is refused without it
	Transcription    TranscriptionStats
	Streamer         StreamerStats // optional
	Capture          CaptureStats  // optional
	Gatherer         prometheus.Gatherer
}

// HTTPServer provides the session control API and monitoring endpoints
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	components Components
	metrics    *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, components Components, m *metrics.Metrics) *HTTPServer {

	if components.Gatherer == nil {
		components.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		components: components,
		metrics:    m,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	// Start blocks until the session records or fails, so writes get more room
	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session control
	mux.HandleFunc("/session", h.withMetrics("/session", h.handleSession))
	mux.HandleFunc("/session/start", h.withMetrics("/session/start", h.handleCommand(h.components.Session.Start)))
	mux.HandleFunc("/session/stop", h.withMetrics("/session/stop", h.handleCommand(h.components.Session.Stop)))
	mux.HandleFunc("/session/toggle", h.withMetrics("/session/toggle", h.handleCommand(h.components.Session.Toggle)))
	mux.HandleFunc("/session/clear-error", h.withMetrics("/session/clear-error", h.handleClearError))

	mux.HandleFunc("/permission", h.withMetrics("/permission", h.handlePermission))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/transcription", h.withMetrics("/stats/transcription", h.handleTranscriptionStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.components.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.components.Session.Snapshot()
	transcriptionStats := h.components.Transcription.GetStats()

	components := map[string]any{
		"session": map[string]any{
			"status":     snap.Status,
			"session_id": snap.SessionID,
			"last_error": snap.LastError,
		},
		"permission": map[string]any{
			"state":      h.components.Permission.State(),
			"last_error": h.components.Permission.LastError(),
		},
		"transcription": map[string]any{
			"total_requests":  transcriptionStats.TotalRequests,
			"success_rate":    transcriptionStats.SuccessRate,
			"active_requests": transcriptionStats.ActiveRequests,
		},
	}

	if h.components.Streamer != nil {
		streamerStats := h.components.Streamer.GetStats()
		components["streaming"] = map[string]any{
			"enabled":   streamerStats.Enabled,
			"connected": streamerStats.Connected,
			"sent":      streamerStats.Sent,
			"failed":    streamerStats.Failed,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "voice-session-service",
			"version": "1.0.0",
		},
		"components": components,
	})
}

// handleSession implements the /session endpoint
func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.components.Session.Snapshot())
}

// handleCommand runs a session command and answers with the resulting snapshot
func (h *HTTPServer) handleCommand(command func(ctx context.Context) session.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		status := command(r.Context())

		h.logger.Debug("Session command handled",
			slog.String("path", r.URL.Path),
			slog.String("status", string(status)))

		writeJSON(w, http.StatusOK, h.components.Session.Snapshot())
	}
}

// handleClearError implements the /session/clear-error endpoint
func (h *HTTPServer) handleClearError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.components.Session.ClearError()
	writeJSON(w, http.StatusOK, h.components.Session.Snapshot())
}

// permissionRequest is the POST /permission body
type permissionRequest struct {
	State string `json:"state"`
}

// handlePermission reports the permission state on GET and changes the
// simulated state on POST
func (h *HTTPServer) handlePermission(w http.ResponseWriter, r *http.Request) {
	var requested permission.State

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if h.components.PermissionSetter == nil {
			http.Error(w, "Permission state is not adjustable", http.StatusNotImplemented)
			return
		}

		var req permissionRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		state, err := permission.ParseState(req.State)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		h.components.PermissionSetter.Set(state)
		requested = state
		h.logger.Info("Permission state set through API", slog.String("state", string(state)))
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]any{
		"state":      h.components.Permission.State(),
		"last_error": h.components.Permission.LastError(),
	}
	// The gate observes changes asynchronously
	if requested != "" {
		response["requested"] = requested
	}

	writeJSON(w, http.StatusOK, response)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// API key is omitted
	sanitizedConfig := map[string]any{
		"capture": map[string]any{
			"device":                         h.config.Capture.Device,
			"sample_rate":                    h.config.Capture.SampleRate,
			"channels":                       h.config.Capture.Channels,
			"echo_cancellation":              h.config.Capture.EchoCancellation,
			"noise_suppression":              h.config.Capture.NoiseSuppression,
			"auto_gain_control":              h.config.Capture.AutoGainControl,
			"chunk_duration":                 h.config.Capture.ChunkDuration,
			"level_interval":                 h.config.Capture.LevelInterval,
			"fft_size":                       h.config.Capture.FFTSize,
			"enable_real_time_transcription": h.config.Capture.EnableRealTime,
		},
		"vad": map[string]any{
			"enabled":     h.config.VAD.Enabled,
			"threshold":   h.config.VAD.Threshold,
			"window_size": h.config.VAD.WindowSize,
		},
		"streaming": map[string]any{
			"url":               h.config.Streaming.URL,
			"handshake_timeout": h.config.Streaming.HandshakeTimeout,
			"reconnect_delay":   h.config.Streaming.ReconnectDelay,
			"outbox_size":       h.config.Streaming.OutboxSize,
		},
		"transcription": map[string]any{
			"endpoint":       h.config.Transcription.Endpoint,
			"timeout":        h.config.Transcription.Timeout,
			"language":       h.config.Transcription.Language,
			"max_concurrent": h.config.Transcription.MaxConcurrent,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":        time.Since(h.startTime).String(),
		"timestamp":     time.Now().UTC(),
		"session":       h.components.Session.Snapshot(),
		"transcription": h.components.Transcription.GetStats(),
	}
	if h.components.Streamer != nil {
		stats["streaming"] = h.components.Streamer.GetStats()
	}
	if h.components.Capture != nil {
		stats["capture"] = h.components.Capture.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleTranscriptionStats implements the /stats/transcription endpoint
func (h *HTTPServer) handleTranscriptionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.components.Transcription.GetStats())
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Voice Session Service",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":                     "API documentation",
			"GET /health":               "Service health check",
			"GET /session":              "Current session snapshot",
			"POST /session/start":       "Start a recording session",
			"POST /session/stop":        "Stop recording and submit for transcription",
			"POST /session/toggle":      "Start or stop depending on the current status",
			"POST /session/clear-error": "Clear the last error",
			"GET /permission":           "Microphone permission state",
			"POST /permission":          "Set the simulated permission state",
			"GET /config":               "Get service configuration",
			"GET /stats":                "Get service statistics",
			"GET /stats/transcription":  "Get transcription statistics",
			"GET /metrics":              "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
