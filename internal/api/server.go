// Package api serves the ImgurBot admin HTTP endpoints.
//
// It exposes health, Prometheus metrics, seen-item lookups, a queue
// snapshot and manual submission of items.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/bot"
	"github.com/BTreeMap/ImgurBot/internal/queue"
	"github.com/BTreeMap/ImgurBot/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// shutdownTimeout bounds graceful shutdown of open connections.
	shutdownTimeout = 5 * time.Second
	// healthTimeout bounds the store probe of /health.
	healthTimeout = 2 * time.Second
	// maxSubmitBody caps a /submit request body.
	maxSubmitBody = 1 << 20
)

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithGatherer serves metrics from g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// Server is the admin HTTP server.
type Server struct {
	seen     store.SeenRepo
	queue    *queue.Queue
	pipeline *bot.Pipeline
	gatherer prometheus.Gatherer
	addr     string
	started  time.Time
}

// NewServer creates a Server over the bot's stores.
func NewServer(seen store.SeenRepo, q *queue.Queue, pipeline *bot.Pipeline, opts ...Option) *Server {
	s := &Server{
		seen:     seen,
		queue:    q,
		pipeline: pipeline,
		gatherer: prometheus.DefaultGatherer,
		addr:     DefaultAddr,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/seen", s.seenHandler)
	mux.HandleFunc("/queue", s.queueHandler)
	mux.HandleFunc("/submit", s.submitHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s failed: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Serve: admin API listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin API failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server.Serve: shutdown incomplete", "error", err)
		return err
	}
	slog.Info("Server.Serve: admin API stopped")
	return nil
}
