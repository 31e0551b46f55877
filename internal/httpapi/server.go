// Package httpapi serves the local coordination surface consumed by
// dashboards and shell clients.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/drewfead/relay/internal/delivery"
	"github.com/drewfead/relay/internal/eventlog"
	"github.com/drewfead/relay/internal/logging"
	"github.com/drewfead/relay/internal/reconcile"
	"github.com/drewfead/relay/internal/scanner"
	"github.com/drewfead/relay/internal/state"
	"github.com/drewfead/relay/internal/trigger"
)

// maxRequestBodyBytes bounds request bodies so a bad client cannot OOM
// the daemon.
const maxRequestBodyBytes = 1 << 20

// Deliverer pushes an instruction into an agent session. The delivery
// pipeline satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, t delivery.Target) error
}

// Server is the coordination HTTP server.
type Server struct {
	store      *state.Store
	queue      *trigger.Queue
	scanner    *scanner.Scanner
	reconciler *reconcile.Reconciler
	deliverer  Deliverer
	events     eventlog.Store
	markerFile string
	version    string

	httpServer *http.Server
	nowFunc    func() time.Time
}

// Options wires the server's collaborators.
type Options struct {
	Addr       string
	Store      *state.Store
	Queue      *trigger.Queue
	Scanner    *scanner.Scanner
	Reconciler *reconcile.Reconciler
	Deliverer  Deliverer
	Events     eventlog.Store
	MarkerFile string
	Version    string
}

// New builds the server and its route table.
func New(opts Options) *Server {
	s := &Server{
		store:      opts.Store,
		queue:      opts.Queue,
		scanner:    opts.Scanner,
		reconciler: opts.Reconciler,
		deliverer:  opts.Deliverer,
		events:     opts.Events,
		markerFile: opts.MarkerFile,
		version:    opts.Version,
		nowFunc:    time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /agents/{name}", s.handleAgent)
	mux.HandleFunc("POST /agents/{name}/mark", s.handleMark)
	mux.HandleFunc("GET /sessions/active", s.handleActiveSessions)
	mux.HandleFunc("POST /messages", s.handleSendMessage)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("POST /tasks/{id}/status", s.handleTaskStatus)
	mux.HandleFunc("POST /triggers", s.handleCreateTrigger)
	mux.HandleFunc("GET /triggers", s.handleListTriggers)
	mux.HandleFunc("POST /triggers/{id}/status", s.handleTriggerStatus)
	mux.HandleFunc("POST /scan", s.handleScan)
	mux.HandleFunc("GET /events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      bodyLimit(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("http api listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// respond writes a successful JSON payload.
func respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("encode response", "error", err)
	}
}

// fail reports a logical failure. The transport status stays 200 so
// dashboard clients distinguish "relay said no" from "relay is down".
func fail(w http.ResponseWriter, msg string) {
	respond(w, map[string]any{"success": false, "error": msg})
}

// badRequest is reserved for malformed requests.
func badRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
