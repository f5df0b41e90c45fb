package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/stt-service/internal/capabilities"
	"github.com/skypro1111/stt-service/internal/config"
	"github.com/skypro1111/stt-service/internal/dispatch"
	"github.com/skypro1111/stt-service/internal/metrics"
	"github.com/skypro1111/stt-service/internal/models"
	"github.com/skypro1111/stt-service/internal/session"
	"github.com/skypro1111/stt-service/internal/transcribe"
)

// maxUploadBytes bounds multipart uploads (100 MB).
const maxUploadBytes = 100 << 20

// HTTPServer provides the transcription API and monitoring endpoints
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	caps       *capabilities.Set
	handler    *transcribe.Handler
	sessionMgr *session.Manager
	cache      *models.Cache
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the HTTP API server
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, caps *capabilities.Set,
	handler *transcribe.Handler, sessionMgr *session.Manager, cache *models.Cache,
	dispatcher *dispatch.Dispatcher, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     cfg,
		caps:       caps,
		handler:    handler,
		sessionMgr: sessionMgr,
		cache:      cache,
		dispatcher: dispatcher,
		metrics:    m,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Transcription API
	mux.HandleFunc("/v1/transcribe", h.withMetrics("/v1/transcribe", h.handleTranscribe))
	mux.HandleFunc("/v1/transcriptions", h.withMetrics("/v1/transcriptions", h.handleTranscriptions))
	mux.HandleFunc("/v1/capabilities", h.withMetrics("/v1/capabilities", h.handleCapabilities))

	// Streaming transcription over WebSocket
	mux.HandleFunc("/v1/stream", h.handleStream)

	// Monitoring endpoints
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

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

// transcribeRequest is the JSON body of the unary /v1/transcribe endpoint.
// Audio is base64-encoded by JSON convention for []byte.
type transcribeRequest struct {
	Audio          []byte  `json:"audio"`
	Model          string  `json:"model,omitempty"`
	Language       string  `json:"language,omitempty"`
	WordTimestamps bool    `json:"word_timestamps,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	VADThreshold   float64 `json:"vad_threshold,omitempty"`
}

// handleTranscribe implements the unary transcription endpoint. Domain
// failures are encoded in the response body with success=false; the HTTP
// status is 200 for any well-formed request.
func (h *HTTPServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transcribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	response := h.handler.Handle(r.Context(), transcribe.Request{
		Audio:          req.Audio,
		Model:          req.Model,
		Language:       req.Language,
		WordTimestamps: req.WordTimestamps,
		Temperature:    req.Temperature,
		VADThreshold:   req.VADThreshold,
	})

	writeJSON(w, http.StatusOK, response)
}

// handleTranscriptions implements the multipart upload endpoint compatible
// with faster-whisper HTTP servers.
func (h *HTTPServer) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, fmt.Sprintf("Invalid multipart form: %v", err), http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read file: %v", err), http.StatusBadRequest)
		return
	}

	responseFormat := r.FormValue("response_format")
	if responseFormat == "" {
		responseFormat = "text"
	}
	if !h.caps.SupportsResponseFormat(responseFormat) {
		http.Error(w, fmt.Sprintf("Unsupported response_format: %s", responseFormat), http.StatusBadRequest)
		return
	}

	granularity := r.FormValue("timestamp_granularities")
	if granularity == "" {
		granularity = "segment"
	}
	if !h.caps.SupportsTimestampGranularity(granularity) {
		http.Error(w, fmt.Sprintf("Unsupported timestamp_granularities: %s", granularity), http.StatusBadRequest)
		return
	}

	vadFilter := r.FormValue("vad_filter") == "true"
	minSilence := 1000
	if raw := r.FormValue("min_silence_duration_ms"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			minSilence = parsed
		}
	}

	response := h.handler.Handle(r.Context(), transcribe.Request{
		Audio:                audioData,
		Model:                r.FormValue("model"),
		Language:             r.FormValue("language"),
		WordTimestamps:       granularity == "word",
		InitialPrompt:        r.FormValue("initial_prompt"),
		VADFilter:            vadFilter,
		MinSilenceDurationMS: minSilence,
	})

	// Word-level detail is only returned in the verbose format
	if responseFormat == "text" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":       response.Success,
			"text":          response.Text,
			"error_message": response.ErrorMessage,
		})
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// handleCapabilities implements the /v1/capabilities endpoint
func (h *HTTPServer) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.caps)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dispatchStats := h.dispatcher.Stats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "stt-service",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"dispatcher": map[string]interface{}{
				"status":      "running",
				"workers":     dispatchStats.Workers,
				"queue_depth": dispatchStats.QueueDepth,
				"inflight":    dispatchStats.Inflight,
			},
			"model_cache": map[string]interface{}{
				"status":        "running",
				"loaded_models": h.cache.Loaded(),
			},
			"session_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.sessionMgr.ActiveCount(),
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.sessionMgr.GetAllInfo()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Path[len("/sessions/"):]
	if sessionID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sess, exists := h.sessionMgr.Get(sessionID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, sess.GetInfo())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (API key omitted)
	sanitized := map[string]interface{}{
		"server": map[string]interface{}{
			"port":    h.config.Server.Port,
			"address": h.config.Server.Address,
		},
		"engine": map[string]interface{}{
			"backend":       h.config.Engine.Backend,
			"device":        h.config.Engine.Device,
			"compute_type":  h.config.Engine.ComputeType,
			"default_model": h.config.Engine.DefaultModel,
			"endpoint":      h.config.Engine.Endpoint,
			"timeout":       h.config.Engine.Timeout,
		},
		"dispatcher": map[string]interface{}{
			"workers":    h.config.Dispatcher.Workers,
			"queue_size": h.config.Dispatcher.QueueSize,
		},
		"streaming": map[string]interface{}{
			"buffer_threshold_bytes": h.config.Streaming.BufferThresholdBytes,
			"flush_on_close":         h.config.Streaming.FlushOnClose,
			"session_timeout":        h.config.Streaming.SessionTimeout,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitized)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":     time.Since(h.startTime).String(),
		"timestamp":  time.Now().UTC(),
		"dispatcher": h.dispatcher.Stats(),
		"models": map[string]interface{}{
			"loaded": h.cache.Loaded(),
		},
		"sessions": map[string]interface{}{
			"active_count": h.sessionMgr.ActiveCount(),
		},
	}

	writeJSON(w, http.StatusOK, stats)
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

	apiDoc := map[string]interface{}{
		"service": "Speech Transcription Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                   "API documentation",
			"GET /health":             "Service health check",
			"GET /v1/capabilities":    "Supported models, languages, and formats",
			"POST /v1/transcribe":     "Unary transcription (JSON, base64 audio)",
			"POST /v1/transcriptions": "Unary transcription (multipart file upload)",
			"GET /v1/stream":          "Streaming transcription (WebSocket)",
			"GET /sessions":           "List active streaming sessions",
			"GET /sessions/{id}":      "Get detailed session information",
			"GET /config":             "Get service configuration",
			"GET /stats":              "Get service statistics",
			"GET /metrics":            "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
