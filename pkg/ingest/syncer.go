package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"github.com/0xmhha/ledger-crawler/internal/logger"
	"github.com/0xmhha/ledger-crawler/pkg/checkpoint"
	"github.com/0xmhha/ledger-crawler/pkg/coordinator"
	"github.com/0xmhha/ledger-crawler/pkg/fetch"
	"github.com/0xmhha/ledger-crawler/pkg/storage"
	"github.com/0xmhha/ledger-crawler/pkg/tasks"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

var (
	// ErrInvalidEntity is returned for a malformed entity address
	ErrInvalidEntity = errors.New("invalid entity address")

	// ErrNoCoordinator is returned by Backfill when no coordinator is configured
	ErrNoCoordinator = errors.New("no batch coordinator configured")

	// ErrTaskActive is returned by RunSync when the entity is already syncing
	ErrTaskActive = errors.New("sync already active")
)

// Deps are the collaborators of a Syncer. Coordinator and Tracker are
// optional: without them Backfill and the Submit variants are unavailable.
type Deps struct {
	Fetcher     *fetch.Fetcher
	Checkpoints *checkpoint.Manager
	Tables      storage.TableStore
	Coordinator *coordinator.Coordinator
	Tracker     *tasks.Tracker
	Table       string
	// MaxBatches bounds the batches of one backfill; 0 selects the default
	MaxBatches uint64
	Logger     *zap.Logger
}

// SyncRequest asks for one forward walk of an entity
type SyncRequest struct {
	ChainID int64
	Entity  string
	Mode    types.FetchMode
	// Lookback is used by TIME_RANGE
	Lookback time.Duration
}

// SyncReport describes one Sync call
type SyncReport struct {
	Mode       types.FetchMode          `json:"mode"`
	StartBlock uint64                   `json:"start_block"`
	Fetched    int                      `json:"fetched"`
	Pages      int                      `json:"pages"`
	Duplicates int                      `json:"duplicates"`
	Strategy   checkpoint.WriteStrategy `json:"strategy"`
	Written    int                      `json:"written"`
	Checkpoint *types.Checkpoint        `json:"checkpoint,omitempty"`
	Complete   bool                     `json:"complete"`
	Err        error                    `json:"-"`
	Error      string                   `json:"error,omitempty"`
}

// BackfillRequest asks for a distributed walk of an explicit block range
type BackfillRequest struct {
	ChainID      int64
	Entity       string
	Start        uint64
	End          uint64
	BatchSize    uint64
	PollInterval time.Duration
}

// BackfillReport describes one Backfill call
type BackfillReport struct {
	Batches      int                       `json:"batches"`
	Fetched      int                       `json:"fetched"`
	Strategy     checkpoint.WriteStrategy  `json:"strategy"`
	Written      int                       `json:"written"`
	Checkpoint   *types.Checkpoint         `json:"checkpoint,omitempty"`
	FailedRanges []coordinator.BlockRange  `json:"failed_ranges,omitempty"`
	Failed       []coordinator.FailedBatch `json:"failed,omitempty"`
}

// Syncer keeps the transaction table of an entity up to date.
// All writes go through the checkpoint manager.
type Syncer struct {
	fetcher     *fetch.Fetcher
	checkpoints *checkpoint.Manager
	tables      storage.TableStore
	coordinator *coordinator.Coordinator
	tracker     *tasks.Tracker
	table       string
	maxBatches  uint64
	logger      *zap.Logger

	// submitMu serializes check-and-create of background tasks
	submitMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncer creates a syncer
func NewSyncer(deps Deps) (*Syncer, error) {
	if deps.Fetcher == nil || deps.Checkpoints == nil || deps.Tables == nil {
		return nil, fmt.Errorf("fetcher, checkpoints and tables are required")
	}
	table := deps.Table
	if table == "" {
		table = constants.DefaultTransactionsTable
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		fetcher:     deps.Fetcher,
		checkpoints: deps.Checkpoints,
		tables:      deps.Tables,
		coordinator: deps.Coordinator,
		tracker:     deps.Tracker,
		table:       table,
		maxBatches:  deps.MaxBatches,
		logger:      logger.WithComponent(deps.Logger, "syncer"),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func normalizeEntity(entity string) (string, error) {
	entity = types.NormalizeAddress(entity)
	if !types.ValidAddress(entity) {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntity, entity)
	}
	return entity, nil
}

// Sync walks the entity forward and persists what it fetched.
// INCREMENTAL without a usable checkpoint runs as FULL_REFRESH. A walk cut
// short persists the blocks it fetched completely and reports the cause in
// Err; its highest block is fetched again by the next sync.
func (s *Syncer) Sync(ctx context.Context, req SyncRequest) (*SyncReport, error) {
	entity, err := normalizeEntity(req.Entity)
	if err != nil {
		return nil, err
	}
	log := logger.WithEntity(s.logger, req.ChainID, entity)

	mode := req.Mode
	if mode == "" {
		mode = types.FetchModeIncremental
	}

	var resume uint64
	if mode == types.FetchModeIncremental {
		_, end, found, err := s.checkpoints.Get(ctx, req.ChainID, entity)
		switch {
		case err != nil:
			log.Warn("checkpoint unreadable, running full refresh", zap.Error(err))
			mode = types.FetchModeFullRefresh
		case !found:
			log.Info("no checkpoint, running full refresh")
			mode = types.FetchModeFullRefresh
		default:
			resume = end
		}
	}

	if err := s.tables.EnsureTable(ctx, s.table); err != nil {
		return nil, fmt.Errorf("failed to prepare table %s: %w", s.table, err)
	}

	res, err := s.fetcher.FetchAll(ctx, fetch.FetchAllRequest{
		Entity:      entity,
		ChainID:     req.ChainID,
		Mode:        mode,
		ResumePoint: resume,
		Lookback:    req.Lookback,
	})
	if err != nil {
		return nil, err
	}

	report := &SyncReport{
		Mode:       mode,
		StartBlock: res.StartBlock,
		Fetched:    len(res.Records),
		Pages:      res.Pages,
		Duplicates: res.Duplicates,
		Strategy:   checkpoint.StrategyNone,
		Complete:   res.Complete,
		Err:        res.Err,
	}
	records := res.Settled()
	if res.Err != nil {
		report.Error = res.Err.Error()
		log.Warn("walk ended early, persisting partial result",
			zap.Int("settled", len(records)),
			zap.Uint64("deferred_block", res.HighestBlock),
			zap.Error(res.Err),
		)
	}

	pr, err := s.checkpoints.Persist(ctx, req.ChainID, entity, s.table, records)
	if pr != nil {
		report.Strategy = pr.Strategy
		report.Written = pr.Written
		report.Checkpoint = pr.Checkpoint
	}
	if err != nil {
		return report, fmt.Errorf("failed to persist sync of %s: %w", entity, err)
	}

	log.Info("sync finished",
		zap.String("mode", string(mode)),
		zap.Int("fetched", report.Fetched),
		zap.String("strategy", string(report.Strategy)),
		zap.Bool("complete", report.Complete),
	)
	return report, nil
}

// Backfill partitions [Start, End] into batches, runs them on the
// coordinator's queue and persists the aggregate. Failed batches are
// reported; while any exist the records are stored but the checkpoint is
// left alone, since it cannot describe a range with holes.
func (s *Syncer) Backfill(ctx context.Context, req BackfillRequest) (*BackfillReport, error) {
	if s.coordinator == nil {
		return nil, ErrNoCoordinator
	}
	entity, err := normalizeEntity(req.Entity)
	if err != nil {
		return nil, err
	}
	log := logger.WithEntity(s.logger, req.ChainID, entity)

	batchSize := req.batchSize()
	poll := req.PollInterval
	if poll <= 0 {
		poll = constants.DefaultPollInterval
	}

	batches, err := coordinator.PartitionFor(req.ChainID, entity, req.Start, req.End, batchSize, s.maxBatches)
	if err != nil {
		return nil, err
	}
	if err := s.tables.EnsureTable(ctx, s.table); err != nil {
		return nil, fmt.Errorf("failed to prepare table %s: %w", s.table, err)
	}

	log.Info("starting backfill",
		zap.Uint64("start_block", req.Start),
		zap.Uint64("end_block", req.End),
		zap.Int("batches", len(batches)),
	)

	records, awaited, err := s.coordinator.Run(ctx, batches, poll)
	if err != nil {
		return nil, err
	}

	report := &BackfillReport{
		Batches:      len(batches),
		Fetched:      len(records),
		Strategy:     checkpoint.StrategyNone,
		FailedRanges: awaited.FailedRanges(),
		Failed:       awaited.Failed,
	}

	var pr *checkpoint.PersistResult
	if len(awaited.Failed) == 0 {
		pr, err = s.checkpoints.Persist(ctx, req.ChainID, entity, s.table, records)
	} else {
		log.Warn("batches failed, checkpoint not advanced",
			zap.Int("failed", len(awaited.Failed)),
			zap.Any("failed_ranges", report.FailedRanges),
		)
		unlock := s.checkpoints.Lock(req.ChainID, entity)
		pr, err = s.checkpoints.Write(ctx, req.ChainID, entity, s.table, records)
		unlock()
	}
	if pr != nil {
		report.Strategy = pr.Strategy
		report.Written = pr.Written
		report.Checkpoint = pr.Checkpoint
	}
	if err != nil {
		return report, fmt.Errorf("failed to persist backfill of %s: %w", entity, err)
	}

	log.Info("backfill finished",
		zap.Int("fetched", report.Fetched),
		zap.Int("failed_batches", len(report.Failed)),
	)
	return report, nil
}

// SubmitSync runs Sync in the background under a task status record.
// A sync already running for the entity is returned instead of starting
// another.
func (s *Syncer) SubmitSync(ctx context.Context, req SyncRequest) (*types.TaskStatus, error) {
	entity, err := normalizeEntity(req.Entity)
	if err != nil {
		return nil, err
	}
	req.Entity = entity
	return s.submit(ctx, types.TaskKindSync, syncMeta(req), s.syncTask(req))
}

// RunSync is Sync under a task status record, run in the caller's
// goroutine. When a sync of the entity is already tracked it returns
// ErrTaskActive without syncing.
func (s *Syncer) RunSync(ctx context.Context, req SyncRequest) (*SyncReport, error) {
	if s.tracker == nil {
		return s.Sync(ctx, req)
	}
	entity, err := normalizeEntity(req.Entity)
	if err != nil {
		return nil, err
	}
	req.Entity = entity

	status, existing, err := s.claim(ctx, types.TaskKindSync, syncMeta(req))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskActive, existing.TaskID)
	}

	result, message, err := s.syncTask(req)(ctx)
	s.finish(ctx, status.TaskID, message, result, err)
	if err != nil {
		return nil, err
	}
	return result.(*SyncReport), nil
}

func syncMeta(req SyncRequest) map[string]string {
	return map[string]string{
		"chain_id": strconv.FormatInt(req.ChainID, 10),
		"entity":   req.Entity,
	}
}

func (s *Syncer) syncTask(req SyncRequest) taskFunc {
	return func(ctx context.Context) (interface{}, string, error) {
		report, err := s.Sync(ctx, req)
		if err != nil {
			return nil, "", err
		}
		return report, fmt.Sprintf("%s sync fetched %d records", report.Mode, report.Fetched), nil
	}
}

// SubmitBackfill runs Backfill in the background under a task status record.
// The range is validated before the task is created.
func (s *Syncer) SubmitBackfill(ctx context.Context, req BackfillRequest) (*types.TaskStatus, error) {
	if s.coordinator == nil {
		return nil, ErrNoCoordinator
	}
	entity, err := normalizeEntity(req.Entity)
	if err != nil {
		return nil, err
	}
	if err := s.CheckBackfill(req); err != nil {
		return nil, err
	}
	req.Entity = entity
	meta := map[string]string{
		"chain_id": strconv.FormatInt(req.ChainID, 10),
		"entity":   entity,
		"start":    strconv.FormatUint(req.Start, 10),
		"end":      strconv.FormatUint(req.End, 10),
	}
	return s.submit(ctx, types.TaskKindBackfill, meta, func(ctx context.Context) (interface{}, string, error) {
		report, err := s.Backfill(ctx, req)
		if err != nil {
			return nil, "", err
		}
		return report, fmt.Sprintf("backfill fetched %d records, %d batches failed", report.Fetched, len(report.Failed)), nil
	})
}

// CheckBackfill validates the range and batch size of a backfill request
func (s *Syncer) CheckBackfill(req BackfillRequest) error {
	return coordinator.CheckRange(req.Start, req.End, req.batchSize(), s.maxBatches)
}

func (r BackfillRequest) batchSize() uint64 {
	if r.BatchSize == 0 {
		return constants.DefaultBatchSize
	}
	return r.BatchSize
}

type taskFunc func(ctx context.Context) (result interface{}, message string, err error)

func (s *Syncer) submit(ctx context.Context, kind types.TaskKind, meta map[string]string, fn taskFunc) (*types.TaskStatus, error) {
	status, existing, err := s.claim(ctx, kind, meta)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, message, err := fn(s.ctx)
		s.finish(s.ctx, status.TaskID, message, result, err)
	}()
	return status, nil
}

// claim creates a task record unless one of the same kind and metadata is
// active, in which case that one is returned as existing.
func (s *Syncer) claim(ctx context.Context, kind types.TaskKind, meta map[string]string) (status, existing *types.TaskStatus, err error) {
	if s.tracker == nil {
		return nil, nil, fmt.Errorf("no task tracker configured")
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	existing, err = s.tracker.FindActive(ctx, kind, meta, 0)
	if err != nil || existing != nil {
		return nil, existing, err
	}
	status, err = s.tracker.Create(ctx, kind, meta)
	return status, nil, err
}

func (s *Syncer) finish(ctx context.Context, taskID, message string, result interface{}, err error) {
	log := logger.WithTask(s.logger, taskID)
	done := context.WithoutCancel(ctx)
	if err != nil {
		if _, ferr := s.tracker.Fail(done, taskID, err); ferr != nil {
			log.Error("failed to record task failure", zap.Error(ferr))
		}
		return
	}
	if _, cerr := s.tracker.Complete(done, taskID, message, result); cerr != nil {
		log.Error("failed to record task completion", zap.Error(cerr))
	}
}

// Wait blocks until every background task has finished
func (s *Syncer) Wait() {
	s.wg.Wait()
}

// Close cancels background tasks and waits for them
func (s *Syncer) Close() {
	s.cancel()
	s.wg.Wait()
}
