package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/0xmhha/ledger-crawler/api"
	"github.com/0xmhha/ledger-crawler/pkg/checkpoint"
	"github.com/0xmhha/ledger-crawler/pkg/coordinator"
	"github.com/0xmhha/ledger-crawler/pkg/importer"
	"github.com/0xmhha/ledger-crawler/pkg/ingest"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

func chainFlag() cli.Flag {
	return &cli.Int64Flag{
		Name:  "chain-id",
		Usage: "chain id (defaults to crawler.chain_id)",
	}
}

func entityFlag(name, usage string) cli.Flag {
	return &cli.StringFlag{Name: name, Usage: usage, Required: true}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "walk an entity's transactions forward and persist them",
		Flags: []cli.Flag{
			chainFlag(),
			entityFlag("entity", "address whose transactions are crawled"),
			&cli.StringFlag{Name: "mode", Value: "incremental", Usage: "full, incremental or time_range"},
			&cli.StringFlag{Name: "lookback", Value: "24h", Usage: "window of a time_range sync (24h, 7d, 2w, 1m)"},
		},
		Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
			mode, err := types.ParseFetchMode(c.String("mode"))
			if err != nil {
				return err
			}
			lookback, err := checkpoint.ParseLookback(c.String("lookback"))
			if err != nil {
				return err
			}
			syncer, err := rt.newSyncer()
			if err != nil {
				return err
			}
			defer syncer.Close()

			report, err := syncer.Sync(ctx, ingest.SyncRequest{
				ChainID:  chainID(c, rt),
				Entity:   c.String("entity"),
				Mode:     mode,
				Lookback: lookback,
			})
			if err != nil {
				return err
			}
			return printJSON(c, report)
		}),
	}
}

func backfillCommand() *cli.Command {
	return &cli.Command{
		Name:  "backfill",
		Usage: "split a block range into batches and crawl them in parallel",
		Flags: []cli.Flag{
			chainFlag(),
			entityFlag("entity", "address whose transactions are crawled"),
			&cli.Uint64Flag{Name: "start", Required: true, Usage: "first block"},
			&cli.Uint64Flag{Name: "end", Required: true, Usage: "last block"},
			&cli.Uint64Flag{Name: "batch-size", Usage: "blocks per batch (defaults to coordinator.batch_size)"},
		},
		Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
			syncer, err := rt.newSyncer()
			if err != nil {
				return err
			}
			defer syncer.Close()

			batchSize := c.Uint64("batch-size")
			if batchSize == 0 {
				batchSize = rt.cfg.Coordinator.BatchSize
			}
			report, err := syncer.Backfill(ctx, ingest.BackfillRequest{
				ChainID:      chainID(c, rt),
				Entity:       c.String("entity"),
				Start:        c.Uint64("start"),
				End:          c.Uint64("end"),
				BatchSize:    batchSize,
				PollInterval: rt.cfg.Coordinator.PollInterval,
			})
			if err != nil {
				return err
			}
			if err := printJSON(c, report); err != nil {
				return err
			}
			if len(report.Failed) > 0 {
				return cli.Exit(fmt.Sprintf("%d batches failed", len(report.Failed)), 2)
			}
			return nil
		}),
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "discover the most recent unique addresses that interacted with a contract",
		Flags: []cli.Flag{
			chainFlag(),
			entityFlag("contract", "contract address"),
			&cli.IntFlag{Name: "limit", Usage: "number of unique addresses (defaults to importer.user_limit)"},
		},
		Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
			svc, err := rt.newImportService()
			if err != nil {
				return err
			}
			defer svc.Close()

			resp, err := svc.Submit(ctx, importer.SubmitRequest{
				ChainID:   chainID(c, rt),
				Contract:  c.String("contract"),
				UserLimit: c.Int("limit"),
			})
			if err != nil {
				return err
			}
			if resp.Outcome == importer.OutcomeCached {
				return printJSON(c, resp.Result)
			}
			if resp.Outcome == importer.OutcomeDuplicate {
				rt.log.Info("import already in progress", zap.String("task_id", resp.TaskID))
			}

			status, err := waitForTask(ctx, rt, resp.TaskID)
			if err != nil {
				return err
			}
			return printJSON(c, status)
		}),
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "consume batch tasks from the Redis queue",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "concurrency", Usage: "batches handled at once (defaults to coordinator.workers)"},
		},
		Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
			if rt.redisQueue == nil {
				return fmt.Errorf("worker requires coordinator.backend: redis")
			}
			concurrency := c.Int("concurrency")
			if concurrency <= 0 {
				concurrency = rt.cfg.Coordinator.Workers
			}
			worker, err := coordinator.NewRedisWorker(rt.redisQueue, coordinator.NewFetchHandler(rt.fetcher), concurrency, rt.log)
			if err != nil {
				return err
			}
			return worker.Run(ctx)
		}),
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run scheduled syncs and the ops server until interrupted",
		Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
			syncer, err := rt.newSyncer()
			if err != nil {
				return err
			}
			defer syncer.Close()
			imports, err := rt.newImportService()
			if err != nil {
				return err
			}
			defer imports.Close()

			var scheduler *ingest.Scheduler
			if rt.cfg.Scheduler.Enabled {
				scheduler, err = ingest.NewScheduler(schedulerConfig(rt), syncer.RunSync, rt.log)
				if err != nil {
					return err
				}
				scheduler.Start()
			}

			var server *api.Server
			errChan := make(chan error, 1)
			if rt.cfg.Metrics.Enabled {
				apiCfg := api.DefaultConfig()
				apiCfg.Addr = rt.cfg.Metrics.Addr
				apiCfg.MaxBatches = rt.cfg.Coordinator.MaxBatches
				server, err = api.NewServer(apiCfg, api.Deps{
					Tasks:   rt.tracker,
					Imports: imports,
					Syncs:   syncer,
					Logger:  rt.log,
					Version: version,
				})
				if err != nil {
					return fmt.Errorf("failed to create ops server: %w", err)
				}
				go func() {
					if err := server.Start(); err != nil {
						errChan <- err
					}
				}()
			}

			rt.log.Info("crawler serving",
				zap.Bool("scheduler", scheduler != nil),
				zap.Bool("ops_server", server != nil),
			)

			var runErr error
			select {
			case <-ctx.Done():
				rt.log.Info("received shutdown signal")
			case runErr = <-errChan:
				rt.log.Error("ops server failed", zap.Error(runErr))
			}

			if scheduler != nil {
				scheduler.Stop()
			}
			if server != nil {
				if err := server.Stop(context.Background()); err != nil {
					rt.log.Error("error stopping ops server", zap.Error(err))
				}
			}
			return runErr
		}),
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show background tasks, or one task by id",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "task-id", Usage: "task to show"},
		},
		Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
			if !rt.cfg.Redis.Enabled {
				rt.log.Warn("redis disabled; only tasks of this process are visible")
			}
			if id := c.String("task-id"); id != "" {
				status, err := rt.tracker.Get(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(c, status)
			}
			list, err := rt.tracker.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(c, list)
		}),
	}
}

type runtimeAction func(ctx context.Context, c *cli.Context, rt *runtime) error

// withRuntime loads configuration, builds the runtime and cancels the
// action's context on SIGINT or SIGTERM
func withRuntime(action runtimeAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		log, err := initLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		log.Info("starting crawler",
			zap.String("command", c.Command.Name),
			zap.String("version", version),
			zap.String("commit", commit),
		)

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer rt.close()

		return action(ctx, c, rt)
	}
}

func waitForTask(ctx context.Context, rt *runtime, taskID string) (*types.TaskStatus, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := rt.tracker.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func schedulerConfig(rt *runtime) *ingest.SchedulerConfig {
	cfg := &ingest.SchedulerConfig{
		Cron:          rt.cfg.Scheduler.Cron,
		MaxConcurrent: rt.cfg.Scheduler.MaxConcurrent,
	}
	for _, e := range rt.cfg.Scheduler.Entities {
		chain := e.ChainID
		if chain == 0 {
			chain = rt.cfg.Crawler.ChainID
		}
		cfg.Entities = append(cfg.Entities, ingest.Entity{ChainID: chain, Address: e.Address})
	}
	return cfg
}

func chainID(c *cli.Context, rt *runtime) int64 {
	if c.IsSet("chain-id") {
		return c.Int64("chain-id")
	}
	return rt.cfg.Crawler.ChainID
}

func printJSON(c *cli.Context, v interface{}) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
