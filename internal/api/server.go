// Package api serves the HTTP inspection surface of the engine: plan
// previews, run progress, dead letters and order key allocation.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/fieldflow/internal/engine"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8089"

// Config holds configuration for the API server.
type Config struct {
	Engine *engine.Engine
	Addr   string
	Logger *slog.Logger
}

// Server is the HTTP inspection server.
type Server struct {
	engine *engine.Engine
	addr   string
	logger *slog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{engine: cfg.Engine, addr: addr, logger: logger}
}

// Handler returns the router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		s.logRequests,
	)

	h := &handlers{engine: s.engine, logger: s.logger}
	r.Get("/healthz", h.health)
	r.Post("/explain", h.explain)
	r.Get("/runs/{runID}/progress", h.runProgress)
	r.Route("/dead-letters", func(r chi.Router) {
		r.Get("/", h.listDeadLetters)
		r.Get("/{id}", h.getDeadLetter)
		r.Post("/{id}/requeue", h.requeueDeadLetter)
	})
	r.Post("/tables/{tableID}/views/{viewID}/orders", h.allocateOrders)
	r.Post("/tables/{tableID}/records", h.createRecords)
	return r
}

// Serve starts the server and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting API server", "addr", s.addr)

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down API server...")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
