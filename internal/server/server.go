package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/metricore/metricore/internal/aggregation"
	"github.com/metricore/metricore/internal/alerting"
	"github.com/metricore/metricore/internal/detect"
	"github.com/metricore/metricore/internal/middleware"
	"github.com/metricore/metricore/internal/store"
	"github.com/metricore/metricore/internal/window"
)

// Config holds HTTP server settings.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string

	// IngestRatePerMinute caps ingestion requests per client per minute.
	// Zero disables the limiter.
	IngestRatePerMinute int
}

// Server exposes the analytics core over HTTP.
type Server struct {
	config *Config
	logger *zap.Logger

	// Core components
	store    store.TimeSeriesStore
	window   *window.Engine
	pipeline *aggregation.Pipeline
	detector *detect.Engine
	alerts   *alerting.Manager

	// Event stream
	hub *streamHub

	// Ingestion rate limiting
	limiter *middleware.RateLimiter

	// HTTP server
	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a new metricore server.
func NewServer(cfg *Config, logger *zap.Logger, st store.TimeSeriesStore, win *window.Engine, pipe *aggregation.Pipeline, det *detect.Engine, alerts *alerting.Manager) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config:   cfg,
		logger:   logger,
		store:    st,
		window:   win,
		pipeline: pipe,
		detector: det,
		alerts:   alerts,
		ctx:      ctx,
		cancel:   cancel,
	}
	srv.hub = newStreamHub(srv)
	srv.limiter = middleware.NewRateLimiter(cfg.IngestRatePerMinute)

	return srv, nil
}

// Start starts the HTTP server and the event stream hub.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.hub.start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("starting HTTP server",
			zap.String("host", s.config.Host),
			zap.Int("port", s.config.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error shutting down HTTP server", zap.Error(err))
		}
	}

	s.limiter.Stop()
	s.cancel()
	s.wg.Wait()

	return nil
}

// Wait blocks until the server is stopped.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// registerHandlers registers HTTP handlers.
func (s *Server) registerHandlers(mux *http.ServeMux) {
	// Health and readiness
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	// Ingestion, behind the per-client rate limiter
	mux.HandleFunc("/api/v1/metrics", s.limiter.Wrap(s.handleIngest))
	mux.HandleFunc("/api/v1/metrics/batch", s.limiter.Wrap(s.handleIngestBatch))

	// Queries
	mux.HandleFunc("/api/v1/metrics/query", s.handleQuery)
	mux.HandleFunc("/api/v1/metrics/window", s.handleWindowStats)
	mux.HandleFunc("/api/v1/aggregations", s.handleQueryAggregations)

	// Rules
	mux.HandleFunc("/api/v1/aggregation-rules", s.handleAggregationRules)
	mux.HandleFunc("/api/v1/detection-rules", s.handleDetectionRules)
	mux.HandleFunc("/api/v1/alert-rules", s.handleAlertRules)

	// Anomalies
	mux.HandleFunc("/api/v1/detect", s.handleDetect)
	mux.HandleFunc("/api/v1/anomalies", s.handleAnomalies)
	mux.HandleFunc("/api/v1/anomalies/summary", s.handleAnomalySummary)
	mux.HandleFunc("/api/v1/anomalies/resolve", s.handleResolveAnomaly)

	// Event stream
	mux.HandleFunc("/api/v1/stream", s.hub.handleStream)
}
