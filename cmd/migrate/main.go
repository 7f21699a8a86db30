package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/brojonat/paylock/service/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

// main applies the SQL migration files under migrations/ in lexical order.
// Files are tracked in a schema_migrations table so re-runs are no-ops.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting schema migration")

	// Load configuration
	cfg := config.MustLoad()

	migrationsDir := "migrations"
	if len(os.Args) > 1 {
		migrationsDir = os.Args[1]
	}

	// Connect to database
	ctx := context.Background()
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

	// Ensure the tracking table exists
	_, err = dbPool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		logger.Error("failed to create schema_migrations table", "error", err)
		os.Exit(1)
	}

	// Collect migration files
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		logger.Error("failed to read migrations directory", "dir", migrationsDir, "error", err)
		os.Exit(1)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	logger.Info("found migration files", "count", len(files))

	applied := 0
	skipped := 0

	for _, name := range files {
		var exists bool
		err := dbPool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename = $1)", name,
		).Scan(&exists)
		if err != nil {
			logger.Error("failed to check migration state", "file", name, "error", err)
			os.Exit(1)
		}
		if exists {
			logger.Info("already applied, skipping", "file", name)
			skipped++
			continue
		}

		sql, err := os.ReadFile(filepath.Join(migrationsDir, name))
		if err != nil {
			logger.Error("failed to read migration file", "file", name, "error", err)
			os.Exit(1)
		}

		// Each migration runs in its own transaction along with its
		// tracking row, so a failure leaves no partial application.
		tx, err := dbPool.Begin(ctx)
		if err != nil {
			logger.Error("failed to begin transaction", "file", name, "error", err)
			os.Exit(1)
		}
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			tx.Rollback(ctx)
			logger.Error("migration failed", "file", name, "error", err)
			os.Exit(1)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
			tx.Rollback(ctx)
			logger.Error("failed to record migration", "file", name, "error", err)
			os.Exit(1)
		}
		if err := tx.Commit(ctx); err != nil {
			logger.Error("failed to commit migration", "file", name, "error", err)
			os.Exit(1)
		}

		logger.Info("applied migration", "file", name)
		applied++
	}

	logger.Info("migration complete",
		"total", len(files),
		"applied", applied,
		"skipped", skipped,
	)
}
