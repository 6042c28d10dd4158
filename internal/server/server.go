// Package server exposes repairs over HTTP: a corrupted recording is
// uploaded, repaired synchronously, and the repaired stream downloaded.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/salvage/internal/config"
	apperrors "github.com/zsiec/salvage/internal/errors"
	"github.com/zsiec/salvage/internal/health"
	"github.com/zsiec/salvage/internal/jobs"
	"github.com/zsiec/salvage/internal/logger"
	"github.com/zsiec/salvage/internal/repair"
)

// healthInterval is how often the background health checks run.
const healthInterval = 30 * time.Second

// Dependencies are the collaborators the server routes to.
type Dependencies struct {
	Repairer *repair.Repairer
	Jobs     jobs.Registry
	// Redis is checked for health when set.
	Redis redis.UniversalClient
}

// Server represents the HTTP repair service.
type Server struct {
	config       *config.ServerConfig
	router       *mux.Router
	httpServer   *http.Server
	logger       *logrus.Logger
	repairer     *repair.Repairer
	jobs         jobs.Registry
	redis        redis.UniversalClient
	healthMgr    *health.Manager
	errorHandler *apperrors.ErrorHandler
	limiter      *clientLimiter
	// inFlight holds the IDs of repairs this server is running.
	inFlight sync.Map
	now      func() time.Time

	routesOnce sync.Once
	// Additional handlers can be registered
	additionalRoutes []func(*mux.Router)
}

// New creates a new server instance.
func New(cfg *config.ServerConfig, log *logrus.Logger, deps Dependencies) *Server {
	if deps.Jobs == nil {
		deps.Jobs = jobs.NewMemoryRegistry(jobs.DefaultTTL)
	}

	s := &Server{
		config:           cfg,
		router:           mux.NewRouter(),
		logger:           log,
		repairer:         deps.Repairer,
		jobs:             deps.Jobs,
		redis:            deps.Redis,
		healthMgr:        health.NewManager(log),
		errorHandler:     apperrors.NewErrorHandler(log),
		limiter:          newClientLimiter(cfg.RateLimit, cfg.RateBurst),
		now:              time.Now,
		additionalRoutes: make([]func(*mux.Router), 0),
	}

	s.registerHealthCheckers()
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.config.WorkDir, 0o750); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	go s.healthMgr.StartPeriodicChecks(ctx, healthInterval)
	go s.runSweeper(ctx, sweepInterval)

	s.logger.WithFields(logrus.Fields{
		"port":     s.config.Port,
		"work_dir": s.config.WorkDir,
	}).Info("Starting repair server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops accepting requests and waits for in-flight repairs up to
// the configured shutdown timeout.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down repair server")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	if err := s.jobs.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close job registry")
	}

	s.logger.Info("Repair server shutdown complete")
	return nil
}

// Handler returns the routed handler, building the routes on first use.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.setupRoutes)
	return s.router
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(logger.RequestLoggerMiddleware(s.logger))
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.errorHandler.Middleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.corsMiddleware)

	healthHandler := health.NewHandler(s.healthMgr)
	s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/live", healthHandler.HandleLive).Methods(http.MethodGet)
	s.router.HandleFunc("/version", healthHandler.HandleVersion).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/repairs", s.handleCreateRepair).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/repairs", s.handleListRepairs).Methods(http.MethodGet)
	api.HandleFunc("/repairs/{id}", s.handleGetRepair).Methods(http.MethodGet)
	api.HandleFunc("/repairs/{id}", s.handleDeleteRepair).Methods(http.MethodDelete, http.MethodOptions)
	api.HandleFunc("/repairs/{id}/output", s.handleDownload).Methods(http.MethodGet)
	api.HandleFunc("/formats", s.handleFormats).Methods(http.MethodGet)

	for _, registerFunc := range s.additionalRoutes {
		registerFunc(s.router)
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}

// registerHealthCheckers registers all health checkers
func (s *Server) registerHealthCheckers() {
	s.healthMgr.Register(health.NewWorkDirChecker(s.config.WorkDir))
	if s.repairer != nil {
		s.healthMgr.Register(health.NewCatalogChecker(s.repairer.Catalog()))
	}
	if s.redis != nil {
		s.healthMgr.Register(health.NewRedisChecker(s.redis))
	}
}

// RegisterRoutes adds additional route handlers to the server. It must be
// called before the first call to Handler.
func (s *Server) RegisterRoutes(registerFunc func(*mux.Router)) {
	s.additionalRoutes = append(s.additionalRoutes, registerFunc)
}

// GetRouter returns the router for testing.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// HealthManager returns the server's health check manager.
func (s *Server) HealthManager() *health.Manager {
	return s.healthMgr
}
