package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/paylock/service/config"
	"github.com/brojonat/paylock/service/escrow"
	"github.com/brojonat/paylock/service/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server for the payment service.
type Server struct {
	addr      string
	cfg       *config.Config
	engine    *escrow.Engine
	activator *escrow.Activator
	chain     escrow.ChainClient
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, cfg *config.Config, engine *escrow.Engine, activator *escrow.Activator, chain escrow.ChainClient, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		cfg:       cfg,
		engine:    engine,
		activator: activator,
		chain:     chain,
		metrics:   m,
		logger:    logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Payment routes
	mux.Handle("POST /api/v1/payments", s.instrument("/api/v1/payments",
		handleCreatePayment(s.engine, s.cfg, s.logger)))
	mux.Handle("POST /api/v1/payments/bulk", s.instrument("/api/v1/payments/bulk",
		handleCreateBulkPayment(s.engine, s.cfg, s.logger)))
	mux.Handle("GET /api/v1/payments", s.instrument("/api/v1/payments",
		handleListPayments(s.engine, s.logger)))
	mux.Handle("GET /api/v1/payments/{digest}", s.instrument("/api/v1/payments/{digest}",
		handleGetPayment(s.engine, s.logger)))
	mux.Handle("POST /api/v1/payments/{digest}/verify", s.instrument("/api/v1/payments/{digest}/verify",
		handleVerifyPayment(s.engine, s.logger)))
	mux.Handle("POST /api/v1/payments/{digest}/claim", s.instrument("/api/v1/payments/{digest}/claim",
		handleClaimPayment(s.engine, s.logger)))
	mux.Handle("POST /api/v1/payments/{digest}/reject", s.instrument("/api/v1/payments/{digest}/reject",
		handleRejectPayment(s.engine, s.logger)))
	mux.Handle("POST /api/v1/payments/{digest}/refund", s.instrument("/api/v1/payments/{digest}/refund",
		handleRefundPayment(s.engine, s.logger)))

	// Scheduled intent routes
	mux.Handle("POST /api/v1/schedules", s.instrument("/api/v1/schedules",
		handleCreateSchedule(s.activator, s.cfg, s.logger)))
	mux.Handle("GET /api/v1/schedules", s.instrument("/api/v1/schedules",
		handleListSchedules(s.activator, s.logger)))
	mux.Handle("GET /api/v1/schedules/{id}", s.instrument("/api/v1/schedules/{id}",
		handleGetSchedule(s.activator, s.logger)))
	mux.Handle("POST /api/v1/schedules/{id}/activate", s.instrument("/api/v1/schedules/{id}/activate",
		handleActivateSchedule(s.activator, s.cfg, s.logger)))
	mux.Handle("DELETE /api/v1/schedules/{id}", s.instrument("/api/v1/schedules/{id}",
		handleCancelSchedule(s.activator, s.logger)))

	// Balance route
	mux.Handle("GET /api/v1/balance/{address}", s.instrument("/api/v1/balance/{address}",
		handleGetBalance(s.chain, s.logger)))

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	// Wrap mux with CORS middleware
	handler := corsMiddleware(mux)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// instrument wraps a handler with HTTP metrics when metrics are configured.
func (s *Server) instrument(name string, h http.Handler) http.Handler {
	if s.metrics == nil {
		return h
	}
	return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers for all requests
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Pass through to next handler
		next.ServeHTTP(w, r)
	})
}
