package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0xmhha/ledger-crawler/internal/config"
	"github.com/0xmhha/ledger-crawler/internal/logger"
	"github.com/0xmhha/ledger-crawler/pkg/cache"
	"github.com/0xmhha/ledger-crawler/pkg/checkpoint"
	"github.com/0xmhha/ledger-crawler/pkg/client"
	"github.com/0xmhha/ledger-crawler/pkg/coordinator"
	"github.com/0xmhha/ledger-crawler/pkg/fetch"
	"github.com/0xmhha/ledger-crawler/pkg/importer"
	"github.com/0xmhha/ledger-crawler/pkg/ingest"
	"github.com/0xmhha/ledger-crawler/pkg/metrics"
	"github.com/0xmhha/ledger-crawler/pkg/storage"
	"github.com/0xmhha/ledger-crawler/pkg/tasks"
)

// runtime holds every component a command may need, built from one config
type runtime struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics

	client      *client.Client
	tables      *storage.PebbleStorage
	checkpoints *checkpoint.Manager
	fetcher     *fetch.Fetcher
	redis       redis.UniversalClient
	cache       cache.Store
	tracker     *tasks.Tracker
	queue       coordinator.TaskQueue
	redisQueue  *coordinator.RedisQueue
	coordinator *coordinator.Coordinator

	closers []func() error
}

// newRuntime opens storage and connects the backends named by cfg.
// Components are closed in reverse order by close.
func newRuntime(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, log: log, metrics: metrics.Default()}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	rt.client, err = client.NewClient(&client.Config{
		BaseURL:           cfg.API.BaseURL,
		APIKey:            cfg.API.APIKey,
		Timeout:           cfg.API.Timeout,
		MaxRetries:        cfg.API.MaxRetries,
		BaseDelay:         cfg.API.RetryBaseDelay,
		Jitter:            cfg.API.RetryJitter,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		PageSize:          cfg.Crawler.PageSize,
		Logger:            log,
		Metrics:           rt.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger client: %w", err)
	}

	storeCfg := storage.DefaultConfig(cfg.Storage.Path)
	if cfg.Storage.CacheSize > 0 {
		storeCfg.Cache = cfg.Storage.CacheSize
	}
	rt.tables, err = storage.NewPebbleStorage(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	rt.tables.SetLogger(logger.WithComponent(log, "storage"))
	rt.closers = append(rt.closers, rt.tables.Close)

	var cpStore storage.CheckpointStore = rt.tables
	if cfg.Storage.CheckpointBackend == "postgres" {
		pg, err := storage.OpenPostgresCheckpointStore(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pg.Close)
		cpStore = pg
	}
	rt.checkpoints, err = checkpoint.NewManager(&checkpoint.Config{
		Store:    cpStore,
		Tables:   rt.tables,
		Resolver: rt.client,
		Logger:   log,
		Metrics:  rt.metrics,
	})
	if err != nil {
		return nil, err
	}

	rt.fetcher, err = fetch.NewFetcher(rt.client, rt.checkpoints, &fetch.Config{
		PageSize:       cfg.Crawler.PageSize,
		InterPageDelay: cfg.Crawler.InterPageDelay,
		MaxPages:       cfg.Crawler.MaxPages,
	}, log, rt.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetcher: %w", err)
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		rt.redis = rdb
		if rt.cache, err = cache.NewRedisStore(rdb, log); err != nil {
			return nil, err
		}
	} else {
		mem := cache.NewMemoryStore(0)
		rt.closers = append(rt.closers, mem.Close)
		rt.cache = mem
	}

	rt.tracker, err = tasks.NewTracker(rt.cache, 0, log, rt.metrics)
	if err != nil {
		return nil, err
	}

	if err := rt.setupQueue(); err != nil {
		return nil, err
	}
	rt.coordinator, err = coordinator.NewCoordinator(rt.queue, log)
	if err != nil {
		return nil, err
	}

	log.Debug("runtime ready",
		zap.String("checkpoint_backend", cfg.Storage.CheckpointBackend),
		zap.String("queue_backend", cfg.Coordinator.Backend),
		zap.Bool("redis", cfg.Redis.Enabled),
	)
	return rt, nil
}

func (rt *runtime) setupQueue() error {
	if rt.cfg.Coordinator.Backend == "redis" {
		qcfg := coordinator.DefaultRedisConfig()
		if rt.cfg.Coordinator.QueueKey != "" {
			qcfg.QueueKey = rt.cfg.Coordinator.QueueKey
		}
		q, err := coordinator.NewRedisQueue(rt.redis, qcfg, rt.log, rt.metrics)
		if err != nil {
			return err
		}
		rt.queue = q
		rt.redisQueue = q
		return nil
	}

	q, err := coordinator.NewLocalQueue(&coordinator.LocalConfig{
		Workers:   rt.cfg.Coordinator.Workers,
		QueueSize: rt.cfg.Coordinator.QueueSize,
	}, coordinator.NewFetchHandler(rt.fetcher), rt.log, rt.metrics)
	if err != nil {
		return err
	}
	q.Start()
	rt.closers = append(rt.closers, func() error {
		q.Stop()
		return nil
	})
	rt.queue = q
	return nil
}

func (rt *runtime) newSyncer() (*ingest.Syncer, error) {
	return ingest.NewSyncer(ingest.Deps{
		Fetcher:     rt.fetcher,
		Checkpoints: rt.checkpoints,
		Tables:      rt.tables,
		Coordinator: rt.coordinator,
		Tracker:     rt.tracker,
		Table:       rt.cfg.Storage.Table,
		MaxBatches:  rt.cfg.Coordinator.MaxBatches,
		Logger:      rt.log,
	})
}

func (rt *runtime) newImportService() (*importer.Service, error) {
	imp, err := importer.NewImporter(rt.fetcher, &importer.Config{
		PageSize:         rt.cfg.Importer.PageSize,
		MaxPages:         rt.cfg.Importer.MaxPages,
		GenesisFloor:     rt.cfg.Importer.GenesisFloor,
		DefaultUserLimit: rt.cfg.Importer.UserLimit,
	}, rt.log, rt.metrics)
	if err != nil {
		return nil, err
	}
	return importer.NewService(importer.ServiceDeps{
		Importer:    imp,
		Checkpoints: rt.checkpoints,
		Tables:      rt.tables,
		Cache:       rt.cache,
		Tracker:     rt.tracker,
		Logger:      rt.log,
		Metrics:     rt.metrics,
	}, &importer.ServiceConfig{
		Table:             rt.cfg.Storage.Table,
		CacheTTL:          rt.cfg.Importer.CacheTTL,
		DuplicateWindow:   rt.cfg.Importer.DuplicateWindow,
		TableInitTimeout:  rt.cfg.Importer.TableInitTimeout,
		StoreTimeout:      rt.cfg.Importer.StoreTimeout,
		CheckpointTimeout: rt.cfg.Importer.CheckpointTimeout,
	})
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Warn("close failed", zap.Error(err))
		}
	}
	rt.closers = nil
}
