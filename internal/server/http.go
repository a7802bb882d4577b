package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/knoguchi/rag/internal/chat"
	"github.com/knoguchi/rag/internal/ingestion"
	"github.com/knoguchi/rag/internal/search"
)

// HTTPServer is the thin framing layer adapting the search, ingest, and chat
// in-process interfaces to JSON/SSE HTTP endpoints.
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger

	engine *search.Engine
	ingest *ingestion.Coordinator
	chat   *chat.Orchestrator
}

// HTTPServerConfig holds configuration for the HTTP server.
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string

	Engine *search.Engine
	Ingest *ingestion.Coordinator
	Chat   *chat.Orchestrator
}

// NewHTTPServer creates a new HTTP server exposing /chat, /provider/search,
// /documents, and /health.
func NewHTTPServer(cfg HTTPServerConfig) (*HTTPServer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &HTTPServer{
		logger: logger,
		engine: cfg.Engine,
		ingest: cfg.Ingest,
		chat:   cfg.Chat,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/health", s.handleHealth)
	router.Post("/provider/search", s.handleSearch)
	router.Post("/documents", s.handleIngestText)
	router.Delete("/documents/{documentID}", s.handleDeleteDocument)
	router.Post("/chat", s.handleChat)

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // streaming chat responses run long
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type searchRequestBody struct {
	UserID      string `json:"user_id"`
	Query       string `json:"query"`
	Limit       int    `json:"limit"`
	TokenBudget int    `json:"token_budget"`
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	resp, err := s.engine.Search(r.Context(), body.UserID, body.Query, body.Limit, body.TokenBudget, nil)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type ingestTextBody struct {
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Category    string         `json:"category"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *HTTPServer) handleIngestText(w http.ResponseWriter, r *http.Request) {
	var body ingestTextBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := s.ingest.IngestText(r.Context(), ingestion.TextRequest{
		TenantID:    "default",
		Title:       body.Title,
		Content:     body.Content,
		Category:    body.Category,
		Description: body.Description,
		Metadata:    body.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	if err := s.ingest.Delete(r.Context(), documentID); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chatRequestBody struct {
	Message  string `json:"message"`
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
	UserID   string `json:"user_id"`
	Options  struct {
		SearchLimit    int     `json:"search_limit"`
		Temperature    float64 `json:"temperature"`
		MaxTokens      int     `json:"max_tokens"`
		IncludeSources *bool   `json:"include_sources"`
	} `json:"options"`
}

// handleChat streams a chat run over Server-Sent Events: one "data: <json>"
// line per Event, framing chosen at this layer per §4.12's closing note.
func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	req := chat.Request{
		Message:  body.Message,
		ThreadID: body.ThreadID,
		RunID:    body.RunID,
		UserID:   body.UserID,
		Options: chat.Options{
			SearchLimit:    body.Options.SearchLimit,
			Temperature:    body.Options.Temperature,
			MaxTokens:      body.Options.MaxTokens,
			IncludeSources: body.Options.IncludeSources,
		},
	}

	events, err := s.chat.ChatStream(r.Context(), req)
	if err != nil {
		if errors.Is(err, chat.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "chat admission rejected")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.Error("failed to marshal chat event", "error", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

// Start starts the HTTP server.
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// GetRouter returns the underlying chi router for additional route registration.
func (s *HTTPServer) GetRouter() *chi.Mux {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}

// requestLoggingMiddleware logs HTTP requests.
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
