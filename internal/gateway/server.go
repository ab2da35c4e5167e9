// Package gateway exposes the relay HTTP surface: blocking and
// streaming query endpoints, session inspection, SSE stats, health,
// and metrics.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/relaydev/relay/internal/agent"
	"github.com/relaydev/relay/internal/config"
	"github.com/relaydev/relay/internal/observability"
	"github.com/relaydev/relay/internal/sessions"
	"github.com/relaydev/relay/internal/sse"
)

// Runner abstracts the agent loop so handler tests can script runs.
type Runner interface {
	Run(ctx context.Context, req agent.Request, cb agent.Callbacks) (*agent.Result, error)
}

// Server is the relay gateway server.
type Server struct {
	config  *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	store   sessions.Store
	runner  Runner
	sse     *sse.Manager

	// mcpBackends names the tool backends for the health report.
	mcpBackends []string

	http *http.Server
}

// NewServer wires the gateway together.
func NewServer(cfg *config.Config, runner Runner, store sessions.Store, manager *sse.Manager, mcpBackends []string, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		config:      cfg,
		logger:      logger,
		metrics:     metrics,
		store:       store,
		runner:      runner,
		sse:         manager,
		mcpBackends: mcpBackends,
	}
	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /query/stream", s.handleQueryStream)
	mux.HandleFunc("GET /sse/stats", s.handleSSEStats)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	var handler http.Handler = mux
	handler = s.withAuth(handler)
	handler = s.withObservability(handler)
	handler = s.withRequestID(handler)
	return handler
}

// Start serves until ctx is cancelled, then shuts down gracefully:
// SSE connections get a shutdown notice before the listener drains.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info(ctx, "gateway listening", "addr", s.config.Server.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		s.sse.CloseAll(shutdownCtx)
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	})

	return g.Wait()
}
