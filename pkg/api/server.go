package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/ciforge/pkg/auth"
	"github.com/cuemby/ciforge/pkg/config"
	"github.com/cuemby/ciforge/pkg/sandbox"
	"github.com/cuemby/ciforge/pkg/storage"
)

// Server is ciforge's HTTP front end. It holds no sandbox-lifecycle state
// of its own; it reads the Store for job state and the SandboxDriver only
// for log bytes.
type Server struct {
	store  storage.Store
	driver sandbox.Driver
	authn  *auth.Authenticator
	cfg    config.Config
	router chi.Router
}

// NewServer wires the router and middleware stack.
func NewServer(store storage.Store, driver sandbox.Driver, authn *auth.Authenticator, cfg config.Config) *Server {
	s := &Server{store: store, driver: driver, authn: authn, cfg: cfg}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger)
	r.Use(recoverer)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(s.store))
	r.Handle("/metrics", metricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/submit", s.handleSubmit(submitModeSSE))
		r.Post("/submit-stream", s.handleSubmit(submitModeSSEWithJobID))
		r.Post("/submit-async", s.handleSubmit(submitModeAsync))

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/stream", s.handleStream)
	})

	return r
}

// ServeHTTP lets Server be used directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on cfg.ListenAddr, shutting down
// cleanly when ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams are long-lived; writes are bounded by client disconnect instead
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
