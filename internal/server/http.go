package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/vox-relay-service/internal/capture"
	"github.com/skypro1111/vox-relay-service/internal/config"
	"github.com/skypro1111/vox-relay-service/internal/journal"
	"github.com/skypro1111/vox-relay-service/internal/metrics"
	"github.com/skypro1111/vox-relay-service/internal/recorder"
	"github.com/skypro1111/vox-relay-service/internal/upload"
)

const (
	serviceName    = "vox-relay-service"
	serviceVersion = "1.0.0"

	// eventBuffer is the per-client backlog of the /events stream
	eventBuffer = 64
)

// Recorder is the controller surface the API drives
type Recorder interface {
	Start(ctx context.Context) error
	Stop()
	Status() recorder.Status
	Subscribe(buffer int) (<-chan recorder.Event, func())
}

// Uploads exposes the upload manager to the API
type Uploads interface {
	Resend(ctx context.Context, artifactID string) (*upload.Result, error)
	GetStats() upload.ManagerStats
	Endpoint() upload.Endpoint
}

// Artifacts is the read side of the artifact journal
type Artifacts interface {
	List(ctx context.Context, filter journal.Filter) ([]journal.Entry, error)
	Counts(ctx context.Context) (map[journal.Status]int, error)
}

// HTTPServer provides the control API: start/stop, status, artifacts,
// live events and Prometheus metrics
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	recorder  Recorder
	uploads   Uploads
	artifacts Artifacts // nil when the journal is disabled
	gatherer  prometheus.Gatherer
	metrics   *metrics.Metrics

	startTime time.Time
	shutdown  chan struct{}

	// runCtx parents every recorder run started through the API. Request
	// contexts end with the request, so they cannot be used.
	runCtx context.Context
	mu     sync.RWMutex
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int
	Address string
}

// NewHTTPServer creates a new HTTP API server. artifacts may be nil.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config,
	rec Recorder, uploads Uploads, artifacts Artifacts, gatherer prometheus.Gatherer, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		recorder:  rec,
		uploads:   uploads,
		artifacts: artifacts,
		gatherer:  gatherer,
		metrics:   m,
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
		runCtx:    context.Background(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	h.server.RegisterOnShutdown(func() { close(h.shutdown) })

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /status", h.withMetrics("/status", h.handleStatus))
	mux.HandleFunc("POST /start", h.withMetrics("/start", h.handleStart))
	mux.HandleFunc("POST /stop", h.withMetrics("/stop", h.handleStop))
	mux.HandleFunc("GET /artifacts", h.withMetrics("/artifacts", h.handleArtifacts))
	mux.HandleFunc("POST /artifacts/{id}/retry", h.withMetrics("/artifacts/{id}/retry", h.handleRetry))
	mux.HandleFunc("GET /events", h.withMetrics("/events", h.handleEvents))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
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

// Unwrap lets http.ResponseController reach Flush and write deadlines
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Handler returns the route multiplexer
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// Start binds the listen address and serves in the background. ctx becomes
// the parent of every recorder run started through POST /start.
func (h *HTTPServer) Start(ctx context.Context) error {
	h.mu.Lock()
	h.runCtx = ctx
	h.mu.Unlock()

	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func (h *HTTPServer) runContext() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runCtx
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.recorder.Status()
	stats := h.uploads.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"recorder": map[string]interface{}{
				"state":      status.State,
				"vox_state":  status.Vox,
				"last_error": status.LastError,
			},
			"uploads": map[string]interface{}{
				"endpoint":  h.uploads.Endpoint().URL(""),
				"succeeded": stats.Succeeded,
				"failed":    stats.Failed,
			},
			"journal": map[string]interface{}{
				"enabled": h.artifacts != nil,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleStatus implements the /status endpoint
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"recorder":  h.recorder.Status(),
		"uploads":   h.uploads.GetStats(),
	})
}

// handleStart implements POST /start
func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	err := h.recorder.Start(h.runContext())

	var configErr *recorder.ConfigError
	var deviceErr *capture.DeviceError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.recorder.Status())
	case errors.As(err, &configErr):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &deviceErr):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.logger.Error("Failed to start recorder", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
	}
}

// handleStop implements POST /stop
func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	h.recorder.Stop()
	writeJSON(w, http.StatusOK, h.recorder.Status())
}

// handleArtifacts implements GET /artifacts?status=failed&limit=50
func (h *HTTPServer) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if h.artifacts == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("artifact journal is disabled"))
		return
	}

	filter := journal.Filter{Status: journal.Status(r.URL.Query().Get("status"))}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit '%s'", limit))
			return
		}
		filter.Limit = n
	}

	entries, err := h.artifacts.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	counts, err := h.artifacts.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":     len(entries),
		"counts":    counts,
		"artifacts": entries,
	})
}

// handleRetry implements POST /artifacts/{id}/retry
func (h *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	if h.artifacts == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("artifact journal is disabled"))
		return
	}

	// A transfer with retries can outlive the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	id := r.PathValue("id")
	result, err := h.uploads.Resend(r.Context(), id)
	if err != nil {
		if errors.Is(err, upload.ErrUnknownArtifact) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if transferErr, ok := upload.IsTransferError(err); ok {
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{
				"error":    transferErr.Error(),
				"reason":   transferErr.Reason,
				"attempts": transferErr.Attempts,
			})
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleEvents streams recorder events as server-sent events
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	events, unsubscribe := h.recorder.Subscribe(eventBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.shutdown:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	passwordSource := "none"
	switch {
	case h.config.Upload.PasswordEnv != "":
		passwordSource = "env"
	case h.config.Upload.PasswordFile != "":
		passwordSource = "file"
	}

	// Return sanitized configuration: the password itself is never loaded
	sanitizedConfig := map[string]interface{}{
		"capture": h.config.Capture,
		"vox":     h.config.Vox,
		"upload": map[string]interface{}{
			"scheme":          h.config.Upload.Scheme,
			"host":            h.config.Upload.Host,
			"port":            h.config.Upload.Port,
			"path":            h.config.Upload.Path,
			"username":        h.config.Upload.Username,
			"password_source": passwordSource,
			"region":          h.config.Upload.Region,
			"container":       h.config.Upload.Container,
			"staging_dir":     h.config.Upload.StagingDir,
			"retention":       h.config.Upload.Retention,
			"max_retries":     h.config.Upload.MaxRetries,
			"timeout":         h.config.Upload.Timeout,
			"journal_enabled": h.config.Upload.JournalPath != "",
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                      "API documentation",
			"GET /health":                "Service health check",
			"GET /status":                "Recorder and upload status",
			"POST /start":                "Start capturing",
			"POST /stop":                 "Stop capturing and discard buffered audio",
			"GET /artifacts":             "List journaled artifacts (?status=&limit=)",
			"POST /artifacts/{id}/retry": "Upload a retained artifact again",
			"GET /events":                "Recorder events (server-sent events)",
			"GET /config":                "Get service configuration",
			"GET /metrics":               "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
