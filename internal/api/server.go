// Package api exposes the queues over an admin HTTP API.
//
// Routes cover enqueueing, queue statistics, dead-letter inspection and requeue, lock
// introspection, on-demand recovery passes and Prometheus metrics. Every JSON response uses
// the models.APIResponse envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/MsgQueue/internal/metrics"
	"github.com/BTreeMap/MsgQueue/internal/recovery"
	"github.com/BTreeMap/MsgQueue/internal/store"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultListLimit caps list endpoints when no limit is given.
	DefaultListLimit = 100
	// MaxListLimit is the largest limit a client may request.
	MaxListLimit = 1000
	// DefaultEnqueueRetries is how many times a rejected enqueue is retried before the
	// request fails.
	DefaultEnqueueRetries = 1
	// shutdownTimeout bounds the graceful drain of in-flight requests.
	shutdownTimeout = 10 * time.Second
)

// Opts holds optional Server settings.
type Opts struct {
	// DefaultMaxRetries applies to enqueue requests that do not set maxRetries.
	DefaultMaxRetries int
	// EnqueueRetries is how many extra write attempts a rejected enqueue gets.
	EnqueueRetries int
}

// Option configures a Server.
type Option func(*Opts)

// WithDefaultMaxRetries sets the retry limit for requests that leave it unset.
func WithDefaultMaxRetries(n int) Option {
	return func(o *Opts) { o.DefaultMaxRetries = n }
}

// WithEnqueueRetries sets how many times a rejected enqueue is retried. Zero disables retries.
func WithEnqueueRetries(n int) Option {
	return func(o *Opts) { o.EnqueueRetries = n }
}

// Server serves the admin API for one set of queues.
type Server struct {
	queues   *store.Queues
	recovery *recovery.Manager
	metrics  *metrics.QueueMetrics
	opts     Opts
}

// NewServer creates a Server. recovery and metrics may be nil, which disables the recover
// and metrics routes respectively.
func NewServer(queues *store.Queues, rm *recovery.Manager, qm *metrics.QueueMetrics, opts ...Option) *Server {
	o := Opts{EnqueueRetries: DefaultEnqueueRetries}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{queues: queues, recovery: rm, metrics: qm, opts: o}
}

// Router builds the chi router for the API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/locks", s.locksHandler)

	r.Route("/queues/{direction}", func(r chi.Router) {
		r.Get("/stats", s.statsHandler)
		r.Post("/messages", s.enqueueHandler)
		r.Get("/pending", s.pendingHandler)
		r.Post("/recover", s.recoverHandler)
		r.Get("/deadletters", s.deadLettersHandler)
		r.Get("/deadletters/{id}", s.deadLetterHandler)
		r.Post("/deadletters/{id}/requeue", s.requeueDeadLetterHandler)
	})
	return r
}

// Run serves the API on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: admin API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server.Run: admin API failed", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	slog.Info("Server.Run: admin API stopped")
	return nil
}
