// Package server exposes generation runs over HTTP: starting a run, polling
// its status and files, cancelling it, and streaming its events as SSE.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aristath/appforge/internal/aggregate"
	"github.com/aristath/appforge/internal/events"
	"github.com/aristath/appforge/internal/orchestrator"
)

// Runs is the orchestrator surface the server drives.
type Runs interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (string, error)
	Status(runID string) (orchestrator.Snapshot, error)
	Cancel(runID string) error
	Files(runID string) ([]aggregate.GeneratedFile, error)
	Emitter(runID string) (*events.Emitter, error)
}

// History serves runs that finished before this process started.
type History interface {
	GetRun(ctx context.Context, runID string) (orchestrator.Snapshot, error)
	GetFiles(ctx context.Context, runID string) ([]aggregate.GeneratedFile, error)
	GetEvents(ctx context.Context, runID string) ([]events.Event, error)
}

// Options configures a Server.
type Options struct {
	Runs         Runs
	History      History      // Optional
	Logger       *slog.Logger // Optional
	Addr         string
	MaxBodyBytes int64         // Request body cap (default 1 MiB)
	ReadTimeout  time.Duration // Default 10s
	IdleTimeout  time.Duration // Default 60s
}

const defaultMaxBodyBytes = 1 << 20

// Server wraps the HTTP listener and handlers.
type Server struct {
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	startTime time.Time
}

// New prepares a server. Call Start to listen, or mount Handler elsewhere.
func New(opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		opts:   opts,
		logger: logger.With("component", "server"),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/projects/{projectID}/generate", s.handleGenerate)
	s.mux.HandleFunc("GET /api/generations/{runID}", s.handleStatus)
	s.mux.HandleFunc("GET /api/generations/{runID}/files", s.handleFiles)
	s.mux.HandleFunc("GET /api/generations/{runID}/files/{path...}", s.handleFileContent)
	s.mux.HandleFunc("POST /api/generations/{runID}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /api/generations/{runID}/events", s.handleEvents)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds the listener and serves in the background. Request contexts
// derive from ctx.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server already started")
	}

	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	// No write timeout: event streams stay open for the life of a run.
	server := &http.Server{
		Handler:     s.mux,
		ReadTimeout: s.opts.ReadTimeout,
		IdleTimeout: s.opts.IdleTimeout,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.listener = listener
	s.server = server
	s.startTime = time.Now()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", "error", err)
		}
	}()
	s.logger.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	return err
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(time.Since(s.startTime).Seconds())
}
