package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apimiddleware "github.com/0xmhha/ledger-crawler/api/middleware"
	"github.com/0xmhha/ledger-crawler/internal/logger"
	"github.com/0xmhha/ledger-crawler/pkg/importer"
	"github.com/0xmhha/ledger-crawler/pkg/ingest"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

// TaskReader reads background task status records
type TaskReader interface {
	Get(ctx context.Context, taskID string) (*types.TaskStatus, error)
	List(ctx context.Context) ([]*types.TaskStatus, error)
}

// ImportService starts imports and serves their cached results
type ImportService interface {
	Submit(ctx context.Context, req importer.SubmitRequest) (*importer.SubmitResponse, error)
	Result(ctx context.Context, chainID int64, contract string) (*types.ImportResult, error)
}

// SyncService starts background syncs and backfills
type SyncService interface {
	SubmitSync(ctx context.Context, req ingest.SyncRequest) (*types.TaskStatus, error)
	SubmitBackfill(ctx context.Context, req ingest.BackfillRequest) (*types.TaskStatus, error)
}

// Deps are the services the server exposes. Imports and Syncs may be nil,
// in which case their routes are not mounted.
type Deps struct {
	Tasks   TaskReader
	Imports ImportService
	Syncs   SyncService
	// Gatherer serves /metrics; the default registry when nil
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Version  string
}

// Server is the ops HTTP server: health, metrics and task control
type Server struct {
	config  *Config
	deps    Deps
	logger  *zap.Logger
	router  *chi.Mux
	server  *http.Server
	limiter *apimiddleware.RateLimiter
}

// NewServer creates a new ops server
func NewServer(config *Config, deps Deps) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Tasks == nil {
		return nil, fmt.Errorf("task reader cannot be nil")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config: config,
		deps:   deps,
		logger: logger.WithComponent(deps.Logger, "api"),
		router: chi.NewRouter(),
	}
	if config.RateLimitPerSecond > 0 {
		s.limiter = apimiddleware.NewRateLimiter(config.RateLimitPerSecond, config.RateLimitBurst)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(apimiddleware.Recovery(s.logger))
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(apimiddleware.Logger(s.logger))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(apimiddleware.RateLimit(s.limiter, s.logger))
		}

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{taskID}", s.handleGetTask)

		if s.deps.Imports != nil {
			r.Post("/imports", s.handleSubmitImport)
			r.Get("/imports/{chainID}/{contract}", s.handleGetImport)
		}
		if s.deps.Syncs != nil {
			r.Post("/syncs", s.handleSubmitSync)
			r.Post("/backfills", s.handleSubmitBackfill)
		}
	})
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("starting ops server",
		zap.String("address", s.config.Addr),
		zap.Bool("imports", s.deps.Imports != nil),
		zap.Bool("syncs", s.deps.Syncs != nil),
	)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("ops server stopped")
	return nil
}

// Router returns the underlying chi router (for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
