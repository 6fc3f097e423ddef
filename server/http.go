// Package server provides the reference blob service that the HTTP tier
// talks to. It serves values from any store.Store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/tiered-cache/store"
	"github.com/wolfeidau/tiered-cache/telemetry"
	"github.com/wolfeidau/tiered-cache/wire"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Store serves every namespace. Keys are isolated per namespace.
	Store store.Store

	// Namespaces lists the accepted namespaces. Empty accepts any.
	Namespaces []string

	// AuthToken is a static bearer token accepted on every route.
	AuthToken string

	// OAuthClients maps client ids to secrets for the development token
	// endpoint. Tokens it issues are accepted like AuthToken.
	OAuthClients map[string]string

	// TokenTTL is the lifetime of issued tokens. Default: 1 hour.
	TokenTTL time.Duration

	// MaxBodySize bounds request bodies. Default: 256 MiB.
	MaxBodySize int64

	// Logger for the server
	Logger *slog.Logger
}

const headerRequestID = "X-Request-ID"

// Server is the HTTP server for the blob service.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
	namespaces map[string]bool

	mu     sync.Mutex
	tokens map[string]time.Time
	now    func() time.Time
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 256 << 20
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "server"),
		tokens: make(map[string]time.Time),
		now:    time.Now,
	}
	if len(cfg.Namespaces) > 0 {
		s.namespaces = make(map[string]bool, len(cfg.Namespaces))
		for _, ns := range cfg.Namespaces {
			s.namespaces[ns] = true
		}
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET "+wire.HealthPath, s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("POST "+wire.TokenPath, s.handleToken)

	mux.HandleFunc("GET "+wire.RefsPrefix+"{ns}/{bucket}/{hash}", s.handleGet)
	mux.HandleFunc("HEAD "+wire.RefsPrefix+"{ns}/{bucket}/{hash}", s.handleHead)
	mux.HandleFunc("PUT "+wire.RefsPrefix+"{ns}/{bucket}/{hash}", s.handlePut)
	mux.HandleFunc("DELETE "+wire.RefsPrefix+"{ns}/{bucket}/{hash}", s.handleDelete)
	mux.HandleFunc("POST "+wire.RefsPrefix+"{ns}/batch", s.handleBatch)
}

type healthResponse struct {
	Status   string `json:"status"`
	Store    string `json:"store"`
	Speed    string `json:"speed"`
	Writable bool   `json:"writable"`
}

// handleHealth reports the served store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.config.Store
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Store:    st.Name(),
		Speed:    st.SpeedClass().String(),
		Writable: st.IsWritable(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loggingMiddleware tags the request, echoes its request id and logs one
// line once the handler returns. Server errors log at warn.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, requestID)

		r = telemetry.WithTags(r)
		rec := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes_sent", rec.written,
			"duration", duration,
			"remote_addr", r.RemoteAddr,
		}
		if session := r.Header.Get(wire.HeaderSession); session != "" {
			attrs = append(attrs, "session", session)
		}
		attrs = append(attrs, telemetry.Tags(r).LogAttrs()...)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)
		telemetry.RecordHTTP(r.Context(), r, rec.status, rec.written, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting server", "address", l.Addr().String())
	return s.httpServer.Serve(l)
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

// responseWriter records the status and body size. Unwrap lets
// http.ResponseController reach the underlying writer.
type responseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// isPublicPath reports routes served without a token: everything outside
// the value routes.
func isPublicPath(path string) bool {
	return !strings.HasPrefix(path, wire.RefsPrefix)
}
