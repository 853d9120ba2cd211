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
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/downloadmanager/internal/cleanup"
	"github.com/italolelis/downloadmanager/internal/config"
	"github.com/italolelis/downloadmanager/internal/coordinator"
	"github.com/italolelis/downloadmanager/internal/http/rest"
	"github.com/italolelis/downloadmanager/internal/logctx"
	"github.com/italolelis/downloadmanager/internal/notify"
	"github.com/italolelis/downloadmanager/internal/storage/sqlite"
	"github.com/italolelis/downloadmanager/internal/telemetry"
	"github.com/italolelis/downloadmanager/internal/transfer"
	"github.com/italolelis/downloadmanager/internal/transfer/httpengine"
	"github.com/italolelis/downloadmanager/internal/transfer/swarm"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("download manager starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	registry := sqlite.NewInstrumentedRegistry(database, tel)

	// =========================================================================
	// Start Transfer Engines
	engines, err := buildEngines(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build transfer engines: %w", err)
	}

	// =========================================================================
	// Start Coordinator
	coord := coordinator.New(registry, engines, coordinator.Options{
		QueueSize: cfg.EventQueueSize,
		Telemetry: tel,
	})

	if err := coord.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	// =========================================================================
	// Start Notification
	renderers := []notify.Renderer{notify.LogRenderer{}}
	if cfg.DiscordWebhookURL != "" {
		renderers = append(renderers, notify.NewDiscordRenderer(cfg.DiscordWebhookURL))
	}

	notifications := notify.New(coord, coord, tel, renderers...)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, coord, notifications, tel, cfg)

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"swarm_seed", cfg.Swarm.Seed,
		"cleanup_interval", cfg.CleanupInterval.String(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coord.Run(gctx)
	})

	g.Go(func() error {
		return notifications.Run(gctx)
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		cleanup.Run(gctx, registry, cfg.CleanupInterval, cfg.KeepSessionsFor)
		logger.Info("cleanup goroutine shutting down.")

		return nil
	})

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		// Workers are paused in place so the next start recovers them.
		return coord.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildEngines creates one instrumented engine per transfer kind.
func buildEngines(cfg *config.Config, tel *telemetry.Telemetry) ([]transfer.Engine, error) {
	httpEngine := httpengine.New(httpengine.Options{
		CheckpointBytes:    cfg.HTTP.CheckpointBytes,
		CheckpointInterval: cfg.HTTP.CheckpointInterval,
		ProgressInterval:   cfg.ProgressInterval,
		RetryAttempts:      cfg.HTTP.RetryAttempts,
	})

	client, err := swarm.NewAnacrolixClient(swarm.ClientConfig{
		DataDir:    cfg.Swarm.DataDir,
		ListenPort: cfg.Swarm.ListenPort,
		Seed:       cfg.Swarm.Seed,
	})
	if err != nil {
		return nil, err
	}

	swarmEngine := swarm.New(client, swarm.Options{
		PollInterval:       cfg.ProgressInterval,
		CheckpointInterval: cfg.Swarm.CheckpointInterval,
		MetadataTimeout:    cfg.Swarm.MetadataTimeout,
		Seed:               cfg.Swarm.Seed,
	})

	return []transfer.Engine{
		transfer.Instrument(httpEngine, tel),
		transfer.Instrument(swarmEngine, tel),
	}, nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, coord *coordinator.Coordinator, notifications *notify.Coordinator, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	downloads := rest.NewDownloadsHandler(coord, notifications, cfg.TargetDir)
	tHandler := rest.NewTransmissionHandler(
		cfg.Transmission.Username,
		cfg.Transmission.Password,
		coord,
		cfg.TargetDir,
		filepath.Join(cfg.Swarm.DataDir, "torrents"),
	)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Handle("/transmission/*", tHandler.Routes())
	r.Handle("/api/*", downloads.Routes())

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
