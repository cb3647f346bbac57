package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/ficheimport/internal/config"
	"github.com/JonMunkholm/ficheimport/internal/core"
	"github.com/JonMunkholm/ficheimport/internal/logging"
	"github.com/JonMunkholm/ficheimport/internal/store"
	"github.com/JonMunkholm/ficheimport/internal/web"
)

func main() {
	// .env overwrites existing env vars
	if loaded, err := config.LoadEnvFiles(); err != nil {
		slog.Error("failed to read .env file", "error", err)
		os.Exit(1)
	} else if len(loaded) == 0 {
		slog.Info("no .env file found, using environment variables")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"import_max_file_size", cfg.Import.MaxFileSize,
		"reference_strict", cfg.Reference.Strict,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	if cfg.Database.AutoMigrate {
		if err := store.ApplySchema(ctx, pool); err != nil {
			slog.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		slog.Info("schema applied")
	}

	records := store.New(pool, store.NewEnumCache(cfg.Database.EnumCacheTTL), logger)

	canonical, err := core.NewFileCanonicalStore(cfg.Import.CanonicalDir)
	if err != nil {
		slog.Error("failed to open canonical store", "dir", cfg.Import.CanonicalDir, "error", err)
		os.Exit(1)
	}
	reports, err := core.NewFileReportStore(cfg.Import.ReportDir)
	if err != nil {
		slog.Error("failed to open report store", "dir", cfg.Import.ReportDir, "error", err)
		os.Exit(1)
	}

	service, err := core.NewService(core.ServiceDeps{
		Store:     records,
		Canonical: canonical,
		Reports:   reports,
		Limiter:   core.NewImportLimiter(cfg.Import.MaxConcurrent, cfg.Import.MaxWaitTime),
		Codec:     core.NewReferenceCodec(cfg.Reference.Secret, cfg.Reference.Strict),
		Logger:    logger,
	}, core.ServiceConfig{
		MaxFileSize:    cfg.Import.MaxFileSize,
		PreviewRows:    cfg.Import.PreviewRows,
		ProcessTimeout: cfg.Import.Timeout,
	})
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	server := web.NewServer(service, records, cfg)

	// Cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	go core.StartSweeper(jobCtx, core.SweepConfig{
		HandleTTL:     cfg.Import.HandleTTL,
		ReportTTL:     cfg.Import.ReportTTL,
		CheckInterval: cfg.Import.SweepInterval,
	},
		core.SweepTarget{Name: "canonical", Store: canonical, TTL: cfg.Import.HandleTTL},
		core.SweepTarget{Name: "reports", Store: reports, TTL: cfg.Import.ReportTTL},
	)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Running imports hold their HTTP request open, so drain them first
		status := service.Limiter().Status()
		if status.Active > 0 {
			slog.Info("waiting for imports to complete", "active", status.Active)
			if err := service.Limiter().WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("imports did not complete in time", "error", err)
			} else {
				slog.Info("all imports completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(jobCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
