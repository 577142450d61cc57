// Package server provides the Bonsai compatible REST API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/wolfeidau/bonsai-local/blob"
	"github.com/wolfeidau/bonsai-local/scheduler"
	"github.com/wolfeidau/bonsai-local/telemetry"
)

// DefaultMaxBodySize bounds uploaded images, inputs and receipts.
const DefaultMaxBodySize = 256 << 20

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ServerURL is the base URL returned to clients in upload and receipt
	// links. Empty derives it from each request's proxy and Host headers.
	ServerURL string

	// APIKey, when set, is required in the x-api-key header.
	APIKey string

	// MaxConnections caps concurrent client connections. Zero is unlimited.
	MaxConnections int

	// MaxBodySize bounds upload bodies. Default: 256 MiB.
	MaxBodySize int64

	// RetryAfter is advertised on 503 responses. Default: 5 seconds.
	RetryAfter time.Duration

	Scheduler *scheduler.Scheduler
	Blobs     *blob.Store

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the proving service.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
	resolver   *URLResolver

	sched *scheduler.Scheduler
	blobs *blob.Store
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Scheduler == nil || cfg.Blobs == nil {
		return nil, errors.New("server: scheduler and blobs are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}

	resolver, err := NewURLResolver(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		resolver: resolver,
		sched:    cfg.Scheduler,
		blobs:    cfg.Blobs,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       5 * time.Minute, // uploads can be large
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	handle := func(pattern, endpoint string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			telemetry.SetEndpoint(r, endpoint)
			h(w, r)
		})
	}

	handle("GET /health", "health", s.handleHealth)
	handle("GET /version", "version", s.handleVersion)
	handle("GET /stats", "stats", s.handleStats)
	handle("GET /resolved-server-url", "resolved_server_url", s.handleResolvedServerURL)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	handle("GET /images/upload/{image_id}", "images.upload", s.handleImageUpload)
	handle("PUT /images/{image_id}", "images.put", s.handlePut(blob.Images, "image_id"))

	handle("GET /inputs/upload", "inputs.upload", s.handleUploadURL("inputs"))
	handle("PUT /inputs/{input_id}", "inputs.put", s.handlePut(blob.Inputs, "input_id"))

	handle("GET /receipts/upload", "receipts.upload", s.handleUploadURL("receipts"))
	handle("PUT /receipts/{receipt_id}", "receipts.put", s.handlePut(blob.Receipts, "receipt_id"))
	handle("GET /receipts/{receipt_id}", "receipts.get", s.handleGetReceipt)

	handle("POST /sessions/create", "sessions.create", s.handleCreateSession)
	handle("GET /sessions/status/{session_id}", "sessions.status", s.handleSessionStatus)
	handle("GET /sessions/logs/{session_id}", "sessions.logs", s.handleSessionLogs)

	handle("POST /snark/create", "snark.create", s.handleCreateSnark)
	handle("GET /snark/status/{snark_id}", "snark.status", s.handleSnarkStatus)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set endpoint, session, admission.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.SessionID != "" {
			attrs = append(attrs, "session_id", tags.SessionID)
		}
		if tags.Admission != telemetry.AdmissionNA {
			attrs = append(attrs, "admission", string(tags.Admission))
		}

		// Status polling is the bulk of traffic.
		level := slog.LevelInfo
		if tags.Endpoint == "sessions.status" || tags.Endpoint == "snark.status" || tags.Endpoint == "health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln, capping concurrent connections when configured.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}
	s.logger.Info("starting server",
		"address", ln.Addr().String(),
		"server_url", s.config.ServerURL,
		"max_connections", s.config.MaxConnections,
		"auth", s.config.APIKey != "")
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// Unwrap lets http.ResponseController reach the underlying writer.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
