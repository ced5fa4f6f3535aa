package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clm/api/internal/app"
	"clm/api/internal/cache"
	"clm/api/internal/export"
	"clm/api/internal/gitrepo"
	"clm/api/internal/notify"
	"clm/api/internal/search"
	"clm/api/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var rollbackSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	Long:  "Applies every pending migration. With --down N the last N applied migrations are reverted instead (--down -1 reverts all).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		if rollbackSteps != 0 {
			reverted, err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir, max(rollbackSteps, 0))
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			logger.Info("migrations reverted", zap.Strings("versions", reverted))
			return nil
		}
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		logger.Info("migrations applied", zap.String("dir", cfg.MigrationsDir), zap.Strings("versions", applied))
		return nil
	},
}

func init() {
	migrateCmd.Flags().IntVar(&rollbackSteps, "down", 0, "revert this many applied migrations")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("failed to create repos dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)

	hub := notify.NewHub(cfg.CORSOrigin, logger)
	defer hub.Close()
	var notifier notify.Notifier = hub

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithSearch(searchService),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			logger.Warn("redis unavailable, rendering without cache", zap.Error(err))
		} else {
			defer redisCache.Close()
			opts = append(opts, app.WithCache(redisCache))

			relay := notify.NewRedisRelay(redisCache.Client(), hub, logger)
			ready := make(chan struct{})
			go func() {
				if err := relay.Run(ctx, ready); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("notification relay stopped", zap.Error(err))
				}
			}()
			select {
			case <-ready:
				notifier = relay
			case <-time.After(5 * time.Second):
				logger.Warn("notification relay not ready, delivering locally")
			}
		}
	}
	opts = append(opts, app.WithNotifier(notifier))

	printer := export.NewChromePrinter(30 * time.Second)
	if !printer.Available() {
		logger.Warn("chrome not found, PDF export disabled")
	}
	var uploader export.Uploader
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := export.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			logger.Warn("export storage unavailable", zap.Error(err))
		} else {
			uploader = minioStore
		}
	}
	opts = append(opts, app.WithExporter(export.NewService(dataStore, gitService, printer, uploader, logger)))

	service := app.New(cfg, dataStore, gitService, opts...)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap error (will retry on next restart)", zap.Error(err))
	}
	searchService.ReindexAllFromPG(ctx, pgfts)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, hub, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("CLM API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
