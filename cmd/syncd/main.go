package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"replisync/internal/adapter"
	"replisync/internal/api"
	"replisync/internal/config"
	"replisync/internal/connectivity"
	"replisync/internal/domain"
	"replisync/internal/events"
	"replisync/internal/logging"
	"replisync/internal/manager"
	"replisync/internal/metrics"
	"replisync/internal/models"
	"replisync/internal/queue"
	"replisync/internal/remote"
	"replisync/internal/repository"
	"replisync/internal/retry"
	"replisync/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type remoteBackend interface {
	adapter.RemoteClient
	connectivity.Pinger
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	store, cleanup, err := initStore(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	backend := initRemote(cfg, logger)
	local := adapter.NewLocal(store, logging.Component(logger, "local"))
	remoteAdapter := adapter.NewRemote(backend, store, logging.Component(logger, "remote"))

	q := queue.NewService(store, queue.Options{
		StorageKey:   cfg.Queue.StorageKey,
		MaxCompleted: cfg.Queue.MaxCompleted,
		Retry: retry.Policy{
			MaxRetries: cfg.Scheduler.RetryLimit,
			BaseDelay:  cfg.Scheduler.BaseDelay,
			MaxDelay:   cfg.Scheduler.MaxDelay,
		},
		Logger: logging.Component(logger, "queue"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := q.Load(ctx); err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	monitor := connectivity.NewMonitor(
		models.NetworkStatus{IsConnected: true, NetworkType: cfg.Network.Type},
		logging.Component(logger, "network"),
	)

	bus := events.NewEventBus(logger)
	bus.Subscribe(events.All, func(e *events.Event) error {
		logger.Debug().Str("event", e.Type).Interface("data", e.Data).Msg("sync event")
		return nil
	})

	mgr, err := manager.New(manager.Deps{
		Local:   local,
		Remote:  remoteAdapter,
		Queue:   q,
		Network: monitor,
		Bus:     bus,
		Logger:  logger,
	}, manager.Options{
		ConflictPolicy: manager.ConflictPolicy(cfg.Sync.ConflictPolicy),
		Collections:    cfg.Sync.Collections,
		SyncInterval:   cfg.Sync.Interval,
		Scheduler: scheduler.Config{
			Strategy:         cfg.Scheduler.Strategy,
			MaxConcurrent:    cfg.Scheduler.MaxConcurrent,
			ScheduleInterval: cfg.Scheduler.ScheduleInterval,
			NetworkAware:     cfg.Scheduler.NetworkAware,
		},
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	startMetrics(ctx, cfg, logger)
	go monitor.Probe(ctx, backend, cfg.Network.ProbeInterval, cfg.Network.Type)

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, mgr, monitor, logging.Component(logger, "api"))
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	logger.Info().Str("backend", cfg.Storage.Backend).Strs("collections", cfg.Sync.Collections).Msg("sync daemon started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	mgr.Stop()
	if err := mgr.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("in-flight tasks did not finish before shutdown")
	}
	if err := q.Persist(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("persist queue on shutdown")
	}

	logger.Info().Msg("sync daemon stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	return cfg, &logger, closer, nil
}

func initStore(cfg *config.Config, logger *zerolog.Logger) (domain.Store, func(), error) {
	var (
		store   domain.Store
		cleanup = func() {}
	)

	switch cfg.Storage.Backend {
	case "sqlite":
		s, err := repository.NewSQLiteStore(cfg.Storage.SQLitePath, logging.Component(logger, "sqlite"))
		if err != nil {
			return nil, nil, fmt.Errorf("init sqlite store: %w", err)
		}
		store = s
		cleanup = func() { _ = s.Close() }
	case "redis":
		client := repository.NewRedisClient(cfg.Redis)
		if err := repository.Ping(context.Background(), client); err != nil {
			if !cfg.Storage.Failover {
				_ = client.Close()
				return nil, nil, err
			}
			logger.Warn().Err(err).Msg("redis unavailable at startup, relying on failover")
		}
		store = repository.NewRedisStore(client, cfg.Storage.KeyPrefix)
		cleanup = func() { _ = repository.Close(client) }
	default:
		return repository.NewMemoryStore(), cleanup, nil
	}

	if cfg.Storage.Failover {
		store = repository.NewFailoverStore(store, repository.NewMemoryStore(), logging.Component(logger, "failover"))
	}
	return store, cleanup, nil
}

func initRemote(cfg *config.Config, logger *zerolog.Logger) remoteBackend {
	if cfg.Remote.BaseURL == "" {
		logger.Warn().Msg("remote.base_url is empty, using in-process remote store")
		return remote.NewMemory()
	}
	return remote.NewClient(remote.Options{
		BaseURL:     cfg.Remote.BaseURL,
		Timeout:     cfg.Remote.Timeout,
		TokenSource: remote.StaticToken(cfg.Remote.Token),
		RPS:         cfg.Remote.RPS,
		Burst:       cfg.Remote.Burst,
		Logger:      logging.Component(logger, "remote-client"),
	})
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
