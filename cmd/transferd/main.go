package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/transferd/internal/cleanup"
	"github.com/italolelis/transferd/internal/config"
	"github.com/italolelis/transferd/internal/downloader"
	"github.com/italolelis/transferd/internal/events"
	"github.com/italolelis/transferd/internal/http/rest"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/netmon"
	"github.com/italolelis/transferd/internal/notifier"
	"github.com/italolelis/transferd/internal/orchestrator"
	"github.com/italolelis/transferd/internal/scheduler"
	"github.com/italolelis/transferd/internal/storage/sqlite"
	"github.com/italolelis/transferd/internal/telemetry"
	"github.com/italolelis/transferd/internal/transfer"
	"github.com/italolelis/transferd/internal/wire"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const responseHeaderTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("transferd starting...", "log_level", cfg.LogLevel)

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
		Enabled:     cfg.TelemetryEnabled,
		ServiceName: "transferd",
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedTransferRepository(database, tel,
		sqlite.WithLogger(logger),
		sqlite.WithFileChecks(
			func(path string) bool {
				// Partial data lives next to the destination until the
				// transfer completes.
				if _, err := os.Stat(path + downloader.PartSuffix); err == nil {
					return true
				}

				_, err := os.Stat(path)

				return err == nil
			},
			func(t *transfer.Transfer) {
				if err := cleanup.RemoveArtifact(t.Destination); err != nil {
					logger.Warn("failed to remove partial artifact", "destination", t.Destination, "err", err)
				}
			},
		),
	)
	defer repo.Close()

	recovered, err := repo.SanitizeOnFirstEntry()
	if err != nil {
		return fmt.Errorf("failed to recover transfer records: %w", err)
	}

	logger.Info("recovered transfer records", "count", len(recovered))

	// =========================================================================
	// Start Download Engine
	bus := events.NewBus()
	defer bus.Close()

	transporter := downloader.NewSchemeRouter(
		downloader.NewHTTPTransporter(responseHeaderTimeout),
		downloader.NewWireTransporter(cfg.Serve.Token),
	)

	var sched *scheduler.Scheduler

	managerOpts := []downloader.ManagerOption{
		downloader.WithManagerLogger(logger),
		downloader.WithManagerTelemetry(tel),
		downloader.WithGlobalMaxRetries(cfg.MaxRetries),
		downloader.WithSlotFreedSignal(func() {
			if sched != nil {
				sched.Wake()
			}
		}),
	}
	if cfg.RetryOnNetworkGain {
		managerOpts = append(managerOpts, downloader.WithRetryOnNetworkGain())
	}

	manager := downloader.NewManager(repo, bus, transporter, cfg.MaxParallel, managerOpts...)

	// Background loops run under one group so shutdown can wait for all
	// of them.
	g, gctx := errgroup.WithContext(ctx)

	var monitor netmon.Monitor = netmon.NewStaticMonitor(netmon.ConnectivityUnmetered)

	if cfg.ProbeAddress != "" {
		probe := netmon.NewProbeMonitor(cfg.ProbeAddress, cfg.ProbeInterval, false)
		monitor = probe

		g.Go(func() error {
			probe.Watch(gctx)

			return nil
		})
	}

	sched = scheduler.NewScheduler(repo, manager, monitor, bus,
		scheduler.WithTickInterval(cfg.TickInterval),
		scheduler.WithLogger(logger),
	)

	orch := orchestrator.New(repo, manager, sched, bus, logger)

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		orch.Listen(notifier.Listener(&notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}, logger))
	}

	// =========================================================================
	// Start File Serving Endpoint
	var wireServer *wire.Server

	if cfg.Serve.Dir != "" {
		wireServer, err = wire.Listen(cfg.Serve.BindAddress,
			wire.NewDirDelegate(cfg.Serve.Dir, cfg.Serve.Token),
			wire.WithRequestTimeout(cfg.Serve.RequestTimeout),
			wire.WithServerLogger(logger),
			wire.WithServerTelemetry(tel),
		)
		if err != nil {
			return fmt.Errorf("failed to start file serving endpoint: %w", err)
		}
		defer wireServer.Close()

		logger.Info("serving files", "dir", cfg.Serve.Dir, "address", wireServer.Addr().String())
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, orch, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		runCleanup(gctx, repo, cfg)

		return nil
	})

	// =========================================================================
	// Start Scheduler
	g.Go(func() error {
		sched.Run(gctx)

		return nil
	})
	sched.Start()

	logger.Info("waiting for transfers...",
		"download_dir", cfg.DownloadDir,
		"max_parallel", cfg.MaxParallel,
		"tick_interval", cfg.TickInterval.String(),
		"retention", cfg.KeepDownloadedFor.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		sched.Stop()
		manager.Wait()

		if err := g.Wait(); err != nil {
			logger.Error("background loop failed", "err", err)
		}

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, orch *orchestrator.Orchestrator, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	tHandler := rest.NewTransferHandler(cfg.Web.Username, cfg.Web.Password, orch)

	r := chi.NewRouter()
	r.Mount("/", tHandler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "api"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runCleanup(ctx context.Context, repo *sqlite.InstrumentedTransferRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			if err := cleanup.DeleteExpiredFiles(ctx, repo, cfg.KeepDownloadedFor); err != nil {
				logger.Error("failed to delete expired files", "err", err)
			}

			if err := cleanup.DeleteOrphanArtifacts(ctx, repo, cfg.DownloadDir); err != nil {
				logger.Error("failed to delete orphan artifacts", "err", err)
			}
		}
	}
}
