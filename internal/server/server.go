// ABOUTME: HTTP surface for hearth: command intake, SSE channel, chat and message queries
// ABOUTME: Wires chi routes to the session manager, ledger and broadcast registry

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

	"github.com/2389/hearth/internal/broadcast"
	"github.com/2389/hearth/internal/session"
	"github.com/2389/hearth/internal/store"
)

// Server is the hearth HTTP front door.
type Server struct {
	store    store.Store
	sessions *session.Manager
	events   session.Publisher
	registry *broadcast.Registry
	logger   *slog.Logger

	httpServer *http.Server
}

// New creates a server listening on addr once Start is called.
func New(addr string, st store.Store, sessions *session.Manager, events session.Publisher, registry *broadcast.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:    st,
		sessions: sessions,
		events:   events,
		registry: registry,
		logger:   logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/channel", s.handleChannel)
	r.Post("/command", s.handleCommand)

	r.Route("/chats", func(r chi.Router) {
		r.Get("/", s.handleListChats)
		r.Post("/", s.handleCreateChat)
		r.Route("/{chatUID}", func(r chi.Router) {
			r.Get("/", s.handleGetChat)
			r.Patch("/", s.handleUpdateChat)
			r.Delete("/", s.handleDeleteChat)
			r.Get("/messages", s.handleListMessages)
		})
	})
	r.Get("/messages/search", s.handleSearchMessages)

	return r
}

// Start runs the HTTP server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// The channel endpoint holds its connection open; logging it on
		// close would just be noise.
		if r.URL.Path == "/channel" {
			return
		}
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Count(),
		"sessions":    len(s.sessions.ActiveSessions()),
	})
}

// handleChannel upgrades the request to a long-lived SSE stream and blocks
// until the client goes away or the connection is evicted.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.registry.Subscribe(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer s.registry.Remove(conn.ID)

	select {
	case <-r.Context().Done():
	case <-conn.Done():
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// storeError maps store sentinel errors onto HTTP status codes.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrDuplicateChat):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrMessageFinalized):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
