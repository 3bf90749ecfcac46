// Command leadlined is the LeadLine backend: it stores call recordings
// uploaded by device agents and streams them back to the CRM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"log/slog"

	"github.com/leadline/leadline/internal/api"
	"github.com/leadline/leadline/internal/config"
	"github.com/leadline/leadline/internal/database"
	"github.com/leadline/leadline/internal/database/pgstore"
	"github.com/leadline/leadline/internal/leadcache"
	"github.com/leadline/leadline/internal/storage"
	"github.com/leadline/leadline/internal/upload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting leadlined",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"storage_backend", cfg.StorageBackend,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Repositories: PostgreSQL when a DSN is configured, embedded SQLite
	// otherwise.
	var (
		callLogs   database.CallLogRepository
		recordings database.RecordingRepository
		closeDB    func() error
	)
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open postgres", "error", err)
			os.Exit(1)
		}
		callLogs = pg.CallLogs()
		recordings = pg.Recordings()
		closeDB = pg.Close
	} else {
		db, err := database.Open(cfg.DataDir)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		callLogs = database.NewCallLogRepository(db)
		recordings = database.NewRecordingRepository(db)
		closeDB = db.Close
	}
	defer closeDB()

	store, err := storage.NewFromConfig(cfg)
	if err != nil {
		slog.Error("failed to create blob store", "error", err)
		os.Exit(1)
	}

	uploads, err := upload.NewService(store, recordings, callLogs,
		filepath.Join(cfg.DataDir, "upload-tmp"), logger)
	if err != nil {
		slog.Error("failed to create upload service", "error", err)
		os.Exit(1)
	}

	maxIdle := time.Duration(cfg.SessionIdleMins) * time.Minute
	upload.StartReclaimTicker(appCtx, uploads, 10*time.Minute, maxIdle)

	// Lead-cache invalidation is optional; the server runs fine without it.
	var cache *leadcache.Cache
	if cfg.RedisAddr != "" {
		cache, err = leadcache.Open(appCtx, cfg.RedisAddr, logger)
		if err != nil {
			slog.Warn("lead cache unavailable, invalidation disabled", "error", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	handler := api.NewServer(cfg, store, uploads, recordings, callLogs, cache)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // recording streams can be long
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("leadlined stopped")
}
