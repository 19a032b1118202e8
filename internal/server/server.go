// Package server exposes the Voxweave HTTP surface: the websocket streaming
// endpoint clients feed session audio into, plus health and metrics routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxweave/voxweave/internal/config"
	"github.com/voxweave/voxweave/internal/health"
	"github.com/voxweave/voxweave/internal/observe"
	"github.com/voxweave/voxweave/pkg/provider/llm"
	"github.com/voxweave/voxweave/pkg/transcript/postgres"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the server's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAgentProvider enables the conversational agent for every session using
// the given LLM provider. Without it, instruction segments are stored and
// delivered but never answered.
func WithAgentProvider(p llm.Provider) Option {
	return func(s *Server) { s.llm = p }
}

// Server ties the transcript store, the annotator configuration and the
// optional agent together behind an HTTP listener. One websocket connection
// on /v1/stream is one recording session.
type Server struct {
	cfg     *config.Config
	store   *postgres.Store
	llm     llm.Provider
	log     *slog.Logger
	metrics *observe.Metrics

	httpSrv *http.Server
}

// New assembles a Server from a validated configuration and an open store.
func New(cfg *config.Config, store *postgres.Store, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server: config must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("server: store must not be nil")
	}

	s := &Server{
		cfg:   cfg,
		store: store,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	health.New(health.Database(store)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/stream", s.handleStream)

	s.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := s.cfg.Server.TLS; tls != nil {
			err = s.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.log.Info("server listening",
		"addr", s.cfg.Server.ListenAddr,
		"tls", s.cfg.Server.TLS != nil,
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(sctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
