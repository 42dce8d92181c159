package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/golemsrv/durability/internal/archive"
	"github.com/golemsrv/durability/internal/blobstore"
	"github.com/golemsrv/durability/internal/config"
	"github.com/golemsrv/durability/internal/logging"
	"github.com/golemsrv/durability/internal/metrics"
	"github.com/golemsrv/durability/internal/migrations"
	"github.com/golemsrv/durability/internal/notify"
	"github.com/golemsrv/durability/internal/observability"
	"github.com/golemsrv/durability/internal/oplog"
	"github.com/golemsrv/durability/internal/registry"
	"github.com/golemsrv/durability/internal/retry"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the archive mover and retry scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)

			ctx := context.Background()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, nil)
			}

			pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			if err := (migrations.NewMigrator(pool)).Up(ctx); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}

			store, err := blobstore.NewS3Store(ctx, cfg.BlobStore.Bucket, cfg.BlobStore.Region)
			if err != nil {
				return fmt.Errorf("init blob store: %w", err)
			}

			log := oplog.NewPostgresLog(pool)
			index := archive.NewPostgresIndex(pool)
			archiveSvc := archive.NewMultiLayerService(store, index, 1, cfg.Archive.EntryCacheSize)

			workerIndex := registry.NewWorkerIndex(pool)
			policy := retry.NewPolicy()

			var notifier notify.Notifier
			if cfg.Redis.Addr != "" {
				redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
				defer redisClient.Close()
				notifier = notify.NewRedisNotifier(redisClient)
			} else {
				notifier = notify.NewChannelNotifier()
			}

			mover := archive.NewMover(log, archiveSvc, workerIndex, archive.MoverConfig{
				Workers:       cfg.Archive.MoverWorkers,
				PollInterval:  cfg.Archive.MoverPollInterval,
				KeepInPrimary: cfg.Archive.KeepInPrimary,
			})
			mover.Start(ctx)

			retrySource := registry.NewRetrySource(log, workerIndex, policy)
			scheduler := retry.NewScheduler(retrySource, wakeNoop, retry.SchedulerConfig{
				Workers:      cfg.RetryScheduler.Workers,
				PollInterval: cfg.RetryScheduler.PollInterval,
				MaxAttempts:  cfg.DefaultRetry.MaxAttempts,
				Notifier:     notifier,
			})
			scheduler.Start(ctx)

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.PrometheusHandler())
				mux.Handle("/stats", metrics.Global().JSONHandler())
				mux.Handle("/stats/timeseries", metrics.Global().TimeSeriesHandler())
				httpServer = &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: mux}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("http server exited", "error", err)
					}
				}()
				logging.Op().Info("http surface started", "addr", cfg.Daemon.HTTPAddr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			scheduler.Stop()
			mover.Stop()
			if httpServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				httpServer.Shutdown(shutdownCtx)
				cancel()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP surface address (metrics/stats)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}

func wakeNoop(ctx context.Context) error { return nil }

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			ctx := context.Background()
			pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			return migrations.NewMigrator(pool).Up(ctx)
		},
	}
	return cmd
}
