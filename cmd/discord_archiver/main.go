package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/italolelis/discord_archiver/internal/config"
	"github.com/italolelis/discord_archiver/internal/downloader"
	"github.com/italolelis/discord_archiver/internal/export"
	"github.com/italolelis/discord_archiver/internal/fetch"
	"github.com/italolelis/discord_archiver/internal/http/rest"
	"github.com/italolelis/discord_archiver/internal/logctx"
	"github.com/italolelis/discord_archiver/internal/notifier"
	"github.com/italolelis/discord_archiver/internal/storage"
	"github.com/italolelis/discord_archiver/internal/storage/sqlite"
	"github.com/italolelis/discord_archiver/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:         cfg.Telemetry.Enabled,
		ServiceName:     cfg.Telemetry.ServiceName,
		ServiceVersion:  cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:    cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:    cfg.Telemetry.OTLPInsecure,
		MetricsInterval: cfg.Telemetry.MetricsInterval,
	})
	if err != nil {
		slog.Error("telemetry error", "err", err)
		os.Exit(1)
	}

	logger := logctx.NewLogger(os.Stdout, cfg.SlogLevel(), tel.LogHandler())
	slog.SetDefault(logger)

	slog.Info("discord archiver starting...", "log_level", cfg.LogLevel)

	err = run(logctx.WithLogger(ctx, logger), cfg, tel)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer shutdownCancel()

	if shutdownErr := tel.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Error("failed to shutdown telemetry", "err", shutdownErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(ctx, sqlite.Options{
		Path:        cfg.DBPath,
		BusyTimeout: cfg.DBBusyTimeout,
		Debug:       cfg.DBDebug,
	})
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedDownloadRepository(sqlite.NewDownloadRepository(database), tel)

	// =========================================================================
	// Start Downloader
	fetcher := fetch.NewClient(fetch.Options{
		Timeout:        cfg.Fetch.Timeout,
		MaxAttempts:    cfg.Fetch.MaxAttempts,
		InitialBackoff: cfg.Fetch.InitialBackoff,
		MaxBackoff:     cfg.Fetch.MaxBackoff,
		UserAgent:      cfg.Fetch.UserAgent,
		Telemetry:      tel,
	})

	pool := downloader.New(ctx, repo, fetcher, downloader.Options{
		BatchSize:        cfg.Download.BatchSize,
		PollInterval:     cfg.Download.PollInterval,
		MinBackoff:       cfg.Download.MinBackoff,
		MaxBackoff:       cfg.Download.MaxBackoff,
		ProgressThrottle: cfg.Download.ProgressThrottle,
		Telemetry:        tel,
	})

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Download.StopTimeout)
		defer cancel()

		if err := pool.Close(closeCtx); err != nil {
			logger.Error("failed to close download pool", "err", err)
		}
	}()

	// =========================================================================
	// Start Notification
	setupNotificationForDownloader(ctx, pool, cfg)

	// =========================================================================
	// Start Exporter
	exporter, closeBucket, err := buildExporter(ctx, repo, cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build exporter: %w", err)
	}
	defer closeBucket()

	if cfg.Download.AutoStart {
		if err := pool.Start(ctx, downloader.StartConfig{
			Concurrency:     cfg.Download.Concurrency,
			MaxBytesPerItem: cfg.Download.MaxBytesPerItem,
		}); err != nil {
			return fmt.Errorf("failed to start download pool: %w", err)
		}
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, pool, repo, exporter, cfg, tel)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return ctx.Err()
	}
}

func setupNotificationForDownloader(ctx context.Context, pool *downloader.Downloader, cfg *config.Config) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	sub := pool.SubscribeProgress()

	go func() {
		defer sub.Unsubscribe()

		notifier.WatchProgress(ctx, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL), sub.C)
	}()
}

// buildExporter opens the export bucket when one is configured. The returned
// close function is always safe to call.
func buildExporter(ctx context.Context, store storage.DownloadReadRepository, cfg *config.Config, tel *telemetry.Telemetry) (rest.Exporter, func(), error) {
	if cfg.Export.BucketURL == "" {
		return nil, func() {}, nil
	}

	bucket, err := blob.OpenBucket(ctx, cfg.Export.BucketURL)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to open bucket: %w", err)
	}

	closeBucket := func() {
		if err := bucket.Close(); err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to close export bucket", "err", err)
		}
	}

	exporter := export.NewExporter(store, bucket,
		export.WithConcurrency(cfg.Export.Concurrency),
		export.WithTelemetry(tel),
	)

	return exporter, closeBucket, nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	pool *downloader.Downloader,
	store storage.DownloadReadRepository,
	exporter rest.Exporter,
	cfg *config.Config,
	tel *telemetry.Telemetry,
) *http.Server {
	handler := rest.NewDownloadsHandler(pool, store, exporter, cfg.Web.Token, cfg.Download.Concurrency, cfg.Download.StopTimeout)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/downloads", handler.Routes())
	r.Handle("/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
