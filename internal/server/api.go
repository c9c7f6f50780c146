// Package server exposes the ingestion, retrieval and deletion pipelines over
// HTTP together with health probes and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/observability"
	"github.com/efebarandurmaz/docvault/internal/pipeline"
	"github.com/efebarandurmaz/docvault/internal/vector"
)

// Config configures the HTTP server.
type Config struct {
	Addr         string // e.g. ":8000"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// CORSOrigins lists allowed origins; "*" allows every origin.
	CORSOrigins  []string
	MaxBodyBytes int64
	Version      string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":8000",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
		CORSOrigins:  []string{"*"},
		MaxBodyBytes: 32 << 20,
	}
}

// Server is the docvault HTTP server.
type Server struct {
	config  *Config
	svc     *pipeline.Service
	health  *HealthServer
	metrics *observability.DocvaultMetrics
	handler http.Handler
	server  *http.Server
}

// New builds a server for svc. A nil config selects DefaultConfig and nil
// metrics selects the process registry.
func New(config *Config, svc *pipeline.Service, metrics *observability.DocvaultMetrics) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if metrics == nil {
		metrics = observability.Metrics()
	}
	s := &Server{
		config:  config,
		svc:     svc,
		health:  NewHealthServer(config.Version),
		metrics: metrics,
	}
	s.health.RegisterCheck("collection", CollectionHealthChecker(svc.Collection()))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /add_data", s.handleAddData)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /delete", s.handleDelete)
	mux.Handle("GET /metrics", metrics.Handler())
	s.health.Register(mux)

	s.handler = corsMiddleware(config.CORSOrigins, loggingMiddleware(mux))
	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Health returns the probe server so callers can add checks.
func (s *Server) Health() *HealthServer { return s.health }

// Start serves until Stop is called.
func (s *Server) Start() error {
	slog.Info("Starting server", "addr", s.config.Addr)
	s.health.SetReady(true)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop marks the server unready and drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping server")
	s.health.SetReady(false)
	return s.server.Shutdown(ctx)
}

type addDataRequest struct {
	Texts     []string         `json:"texts"`
	Metadatas []map[string]any `json:"metadatas"`
}

type addDataResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type queryRequest struct {
	QueryEmbedding []float32      `json:"query_embedding"`
	K              *int           `json:"k"`
	Filter         map[string]any `json:"filter"`
}

type queryResponse struct {
	Documents []string         `json:"documents"`
	Distances []float64        `json:"distances"`
	Metadatas []map[string]any `json:"metadatas"`
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

type deleteResponse struct {
	Status string   `json:"status"`
	IDs    []string `json:"ids"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) handleAddData(w http.ResponseWriter, r *http.Request) {
	var req addDataRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Texts == nil {
		writeError(w, r, errdefs.Validationf("texts is required"))
		return
	}

	n, err := s.svc.Ingest(r.Context(), req.Texts, req.Metadatas)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, addDataResponse{Status: "added", Count: n})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	k := pipeline.DefaultK
	if req.K != nil {
		k = *req.K
	}
	filter, err := vector.ParseFilter(req.Filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.svc.Retrieve(r.Context(), req.QueryEmbedding, k, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, queryResponse{
		Documents: res.Documents,
		Distances: res.Distances,
		Metadatas: res.Metadatas,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ids, err := s.svc.Remove(r.Context(), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, deleteResponse{Status: "deleted", IDs: ids})
}

// decode reads a single JSON object from the request body. Malformed bodies
// are validation failures.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := io.Reader(r.Body)
	if s.config.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	}
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errdefs.Validationf("request body is empty")
		case errors.As(err, &tooLarge):
			return errdefs.Validationf("request body exceeds %d bytes", tooLarge.Limit)
		default:
			return errdefs.Validationf("invalid request body: %v", err)
		}
	}
	return nil
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// writeError maps err to a status code and writes {"detail": message}.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"retryable", errdefs.Retryable(err),
			"error", err,
		)
	}
	writeJSON(w, status, errorResponse{Detail: err.Error()})
}

// corsMiddleware allows the configured origins with any method and header.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	wildcard := len(origins) == 0 || slices.Contains(origins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case wildcard:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(origins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if h := r.Header.Get("Access-Control-Request-Headers"); h != "" {
			w.Header().Set("Access-Control-Allow-Headers", h)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "*")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/ready" || r.URL.Path == "/live" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
