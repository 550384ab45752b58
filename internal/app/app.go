// Package app assembles the engine from configuration. Both the server and
// syncctl build through here.
package app

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-sync/config"
	"fulfillment-sync/internal/broker"
	"fulfillment-sync/internal/mapper"
	"fulfillment-sync/internal/models"
	"fulfillment-sync/internal/provider"
	"fulfillment-sync/internal/redisclient"
	"fulfillment-sync/internal/scheduler"
	"fulfillment-sync/internal/service"
	"fulfillment-sync/internal/statemachine"
	"fulfillment-sync/internal/store"
	"fulfillment-sync/internal/util"

	"go.uber.org/zap"
)

// Cache is the Redis-backed state besides the order store
type Cache interface {
	service.KeyStore
	service.DeferredBuffer
	scheduler.Locker
	Ping(ctx context.Context) error
	Close() error
}

// App holds the wired components
type App struct {
	Config     *config.Config
	Store      store.OrderStore
	Postgres   *store.Postgres
	Cache      Cache
	Providers  provider.Registry
	Producer   *broker.Producer
	Sync       *service.SyncService
	Reconciler *scheduler.Reconciler

	closers []func() error
}

// Build connects every backing dependency named by cfg
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := util.GetLogger()
	a := &App{Config: cfg}

	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory order store")
		a.Store = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.Store, a.Postgres = pg, pg
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		logger.Info("Database connected")
	}

	if cfg.Redis.Addr == "" {
		logger.Warn("REDIS_ADDR not set, deduplication is process-local")
		a.Cache = redisclient.NewMemory()
	} else {
		rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, rc.Close)
		a.Cache = rc
		logger.Info("Redis connected")
	}

	var emitter service.Emitter
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Warn("KAFKA_BROKERS not set, status changes are only logged")
		emitter = broker.NewLogPublisher()
	} else {
		a.Producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderStatus)
		a.closers = append(a.closers, a.Producer.Close)
		emitter = broker.NewEventPublisher(a.Producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	statusMapper := mapper.New()
	if cfg.Sync.StatusMapFile != "" {
		if err := statusMapper.LoadOverrides(cfg.Sync.StatusMapFile); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to load status map overrides: %w", err)
		}
		logger.Info("Status map overrides loaded", zap.String("file", cfg.Sync.StatusMapFile))
	}

	a.Providers = provider.NewRegistry(
		provider.NewProviderA(cfg.Providers[models.ProviderA]),
		provider.NewProviderB(cfg.Providers[models.ProviderB]),
	)
	for name, pc := range cfg.Providers {
		if pc.WebhookSecret == "" {
			logger.Warn("Provider webhook secret missing, all deliveries will be rejected",
				zap.String("provider", string(name)))
		}
	}

	a.Sync = service.NewSyncService(
		a.Store,
		a.Cache,
		a.Cache,
		statemachine.New(statusMapper),
		a.Providers,
		emitter,
		service.Options{
			DedupTTL:        cfg.Sync.DedupTTL,
			CASMaxAttempts:  cfg.Sync.CASMaxAttempts,
			ProviderTimeout: cfg.Sync.ProviderTimeout,
		},
	)

	a.Reconciler = scheduler.NewReconciler(a.Store, a.Providers, a.Sync, a.Cache, scheduler.Config{
		Interval:           cfg.Sync.SchedulerInterval,
		StalenessThreshold: cfg.Sync.StalenessThreshold,
		BatchLimit:         cfg.Sync.PollBatchLimit,
		Concurrency:        cfg.Sync.PollConcurrency,
		RatePerSecond:      cfg.Sync.PollRatePerSecond,
		Burst:              cfg.Sync.PollBurst,
		PollTimeout:        cfg.Sync.ProviderTimeout,
	})

	return a, nil
}

// Close waits for background re-fetches and releases connections in reverse order
func (a *App) Close() error {
	if a.Sync != nil {
		a.Sync.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
