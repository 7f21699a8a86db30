package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/paylock/service/config"
	"github.com/brojonat/paylock/service/db"
	"github.com/brojonat/paylock/service/escrow"
	"github.com/brojonat/paylock/service/metrics"
	"github.com/brojonat/paylock/service/notify"
	"github.com/brojonat/paylock/service/server"
	"github.com/brojonat/paylock/service/solana"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"network", cfg.SolanaNetwork,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Prometheus metrics collector, shared across all layers
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Initialize database store
	store := db.NewStore(dbPool, m)

	// Initialize Solana chain client. The service wallet signs every
	// transfer and doubles as the escrow vault.
	// Note: For premium RPC endpoints, include API key in the URL
	rpcClient := solanarpc.New(cfg.SolanaRPCURL)
	chain, err := solana.NewClient(rpcClient, cfg.ServiceWalletPrivateKey, cfg.USDCMintAddress, cfg.SolanaNetwork, m, logger)
	if err != nil {
		logger.Error("failed to initialize solana client", "error", err)
		os.Exit(1)
	}
	logger.Info("initialized solana RPC client",
		"url", cfg.SolanaRPCURL,
		"service_wallet", chain.WalletAddress(),
	)

	// Initialize NATS notifier for claim code and status change events
	notifier, err := notify.NewJetStreamNotifier(cfg.NATSURL, logger)
	if err != nil {
		logger.Error("failed to initialize NATS notifier", "error", err)
		os.Exit(1)
	}
	defer notifier.Close()

	// Escrow engine and schedule activator share the store, chain client,
	// and code issuer; the vault is the service wallet address.
	issuer := escrow.NewCodeIssuer(cfg.CodeLength)
	vault := chain.WalletAddress()
	engine := escrow.NewEngine(store, chain, notifier, issuer, vault, m, logger)
	activator := escrow.NewActivator(store, chain, notifier, issuer, vault, time.Now, m, logger)

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, cfg, engine, activator, chain, m, logger)

	logger.Info("server initialized, all dependencies ready",
		"solana_rpc", cfg.SolanaRPCURL,
		"nats_url", cfg.NATSURL,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
