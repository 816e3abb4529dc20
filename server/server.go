// Package server exposes the recommendation pipeline over HTTP.
//
// The surface is deliberately thin: handlers parse the request, call the
// pipeline façade and serialize the result. Graph execution, degradation
// and fallbacks all happen behind pipeline.Runtime.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/plover-labs/feedflow/pipeline"
	"github.com/plover-labs/feedflow/store"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Runtime    *pipeline.Runtime
	Backend    store.Backend
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the feedflow HTTP API server.
type Server struct {
	runtime    *pipeline.Runtime
	backend    store.Backend
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		runtime:    cfg.Runtime,
		backend:    cfg.Backend,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux. Use this
// when composing with other handlers.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/posts", s.handlePosts)
	mux.HandleFunc("GET /v1/node-types", s.handleNodeTypes)
	mux.HandleFunc("GET /v1/graphs", s.handleGraphs)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
