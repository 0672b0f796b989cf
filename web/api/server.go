// Package api exposes the review task API over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/hochfrequenz/claudia-review/internal/domain"
	"github.com/hochfrequenz/claudia-review/internal/prompts"
	"github.com/hochfrequenz/claudia-review/internal/taskstore"
)

// Orchestrator is the subset of the session orchestrator the API drives
type Orchestrator interface {
	StartReview(ctx context.Context, id int64) (*domain.Task, error)
	Cancel(ctx context.Context, id int64) (*domain.Task, error)
	Delete(ctx context.Context, id int64) error
	TaskOutput(ctx context.Context, id int64) (string, error)
	ActiveCount() int
	MaxParallel() int
	SetMaxParallel(n int)
	SetSessionTimeout(d time.Duration)
}

// Server is the HTTP API server
type Server struct {
	store   *taskstore.Store
	orch    Orchestrator
	prompts *prompts.Loader
	addr    string
	mux     *http.ServeMux
	sseHub  *SSEHub
	logger  *log.Logger
}

// NewServer creates a new API server
func NewServer(store *taskstore.Store, orch Orchestrator, loader *prompts.Loader, addr string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		store:   store,
		orch:    orch,
		prompts: loader,
		addr:    addr,
		mux:     http.NewServeMux(),
		sseHub:  NewSSEHub(),
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/tasks", s.tasksHandler())
	s.mux.HandleFunc("/api/tasks/", s.taskHandler())
	s.mux.HandleFunc("/api/posts/selection", s.selectionHandler())
	s.mux.HandleFunc("/api/settings", s.settingsHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Handler returns the routed handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the API until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run()
	defer s.sseHub.Stop()

	srv := &http.Server{Addr: s.addr, Handler: s.mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Printf("web: listening on %s", s.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
