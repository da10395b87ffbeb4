// Package server provides the HTTP surface of objectlens: the task API,
// status push over websocket, the live preview stream and the web UI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ayusman/objectlens/internal/display"
	"github.com/ayusman/objectlens/internal/server/api"
	"github.com/ayusman/objectlens/internal/store"
)

// Config holds the server configuration.
type Config struct {
	StaticDir  string
	UploadDir  string
	Store      *store.Store
	Controller api.Controller
	Events     *Hub
	Preview    *display.Preview
}

// Server represents the HTTP server for the objectlens application.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time

	mu     sync.Mutex
	http   *http.Server
	closed bool
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Controller != nil {
		var taskLog api.TaskLog
		if s.config.Store != nil {
			taskLog = s.config.Store.Tasks()
		}
		tasks := api.NewTaskHandler(s.config.Controller, taskLog, s.config.UploadDir)
		s.mux.Handle("/api/tasks", tasks)
		s.mux.Handle("/api/tasks/", tasks)

		var source api.StatusSource
		if s.config.Events != nil {
			source = s.config.Events
		}
		s.mux.Handle("/api/status", api.NewStatusHandler(s.config.Controller, source))
	}

	if s.config.Events != nil {
		s.mux.Handle("/api/events", s.config.Events)
	}

	if s.config.Preview != nil {
		s.mux.Handle("/api/stream", NewStreamHandler(s.config.Preview))
	}

	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(s.start)

	response := map[string]interface{}{
		"status": "ok",
		"uptime": uptime.String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe starts the HTTP server on the given address. It returns
// nil after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.http = srv
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.config.Events != nil {
		s.config.Events.Close()
	}
	s.mu.Lock()
	s.closed = true
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
