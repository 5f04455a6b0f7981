package importer

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
	"github.com/0xmhha/ledger-crawler/pkg/cache"
	"github.com/0xmhha/ledger-crawler/pkg/checkpoint"
	"github.com/0xmhha/ledger-crawler/pkg/metrics"
	"github.com/0xmhha/ledger-crawler/pkg/storage"
	"github.com/0xmhha/ledger-crawler/pkg/tasks"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

// ErrNoResult is returned when no unexpired import result is cached
var ErrNoResult = errors.New("no import result cached")

// SubmitOutcome says how a submission was handled
type SubmitOutcome string

const (
	// OutcomeCached means an unexpired result already exists
	OutcomeCached SubmitOutcome = "cached"
	// OutcomeDuplicate means an equivalent run is already in flight or just started
	OutcomeDuplicate SubmitOutcome = "duplicate"
	// OutcomeStarted means a new run was started
	OutcomeStarted SubmitOutcome = "started"
)

// ServiceConfig holds the caller-facing import settings
type ServiceConfig struct {
	Table             string
	CacheTTL          time.Duration
	DuplicateWindow   time.Duration
	TableInitTimeout  time.Duration
	StoreTimeout      time.Duration
	CheckpointTimeout time.Duration
}

// DefaultServiceConfig returns the default service configuration
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Table:             constants.DefaultTransactionsTable,
		CacheTTL:          constants.DefaultImportCacheTTL,
		DuplicateWindow:   constants.DefaultDuplicateWindow,
		TableInitTimeout:  constants.DefaultTableInitTimeout,
		StoreTimeout:      constants.DefaultStoreTimeout,
		CheckpointTimeout: constants.DefaultCheckpointTimeout,
	}
}

// Validate validates the configuration
func (c *ServiceConfig) Validate() error {
	if c.Table == "" {
		return fmt.Errorf("table cannot be empty")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	if c.DuplicateWindow < 0 {
		return fmt.Errorf("duplicate window cannot be negative")
	}
	if c.TableInitTimeout <= 0 || c.StoreTimeout <= 0 || c.CheckpointTimeout <= 0 {
		return fmt.Errorf("persist timeouts must be positive")
	}
	return nil
}

// ServiceDeps are the collaborators of a Service
type ServiceDeps struct {
	Importer    *Importer
	Checkpoints *checkpoint.Manager
	Tables      storage.TableStore
	Cache       cache.Store
	Tracker     *tasks.Tracker
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// SubmitRequest asks for an import run
type SubmitRequest struct {
	ChainID   int64
	Contract  string
	UserLimit int
}

// SubmitResponse tells the caller where to look for the outcome
type SubmitResponse struct {
	Outcome SubmitOutcome
	// TaskID is empty for cached outcomes
	TaskID string
	// Result is set for cached outcomes
	Result  *types.ImportResult
	Message string
}

// Service runs imports in the background with duplicate-run suppression.
// Discovery results are cached as soon as they exist; persistence follows
// and never retracts them.
type Service struct {
	importer    *Importer
	checkpoints *checkpoint.Manager
	tables      storage.TableStore
	cache       cache.Store
	tracker     *tasks.Tracker
	config      *ServiceConfig
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	// submitMu serializes check-and-create within this process
	submitMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates an import service
func NewService(deps ServiceDeps, config *ServiceConfig) (*Service, error) {
	if deps.Importer == nil || deps.Checkpoints == nil || deps.Tables == nil || deps.Cache == nil || deps.Tracker == nil {
		return nil, fmt.Errorf("importer, checkpoints, tables, cache and tracker are required")
	}
	if config == nil {
		config = DefaultServiceConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		importer:    deps.Importer,
		checkpoints: deps.Checkpoints,
		tables:      deps.Tables,
		cache:       deps.Cache,
		tracker:     deps.Tracker,
		config:      config,
		logger:      logger.WithComponent(deps.Logger, "import_service"),
		metrics:     deps.Metrics,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func taskMetadata(req DiscoverRequest) map[string]string {
	return map[string]string{
		"chain_id":   strconv.FormatInt(req.ChainID, 10),
		"contract":   req.Contract,
		"user_limit": strconv.Itoa(req.UserLimit),
	}
}

// Submit starts an import unless an equivalent result or run exists.
// Checked in order: an unexpired cached result for the same limit, a running
// task with identical parameters, then any such task created within the
// duplicate window. The running status is written before the run starts.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	dreq, err := s.importer.normalizeRequest(DiscoverRequest(req))
	if err != nil {
		return nil, err
	}
	log := logger.WithEntity(s.logger, dreq.ChainID, dreq.Contract)

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	cached, err := s.cachedResult(ctx, dreq.ChainID, dreq.Contract)
	if err != nil {
		log.Warn("cache lookup failed, continuing", zap.Error(err))
	}
	if cached != nil && cached.UserLimit == dreq.UserLimit {
		s.metrics.ObserveImport(string(OutcomeCached))
		return &SubmitResponse{
			Outcome: OutcomeCached,
			Result:  cached,
			Message: fmt.Sprintf("cached result with %d addresses", cached.TotalAddresses),
		}, nil
	}

	meta := taskMetadata(dreq)
	existing, err := s.tracker.FindActive(ctx, types.TaskKindImport, meta, s.config.DuplicateWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to check for duplicate runs: %w", err)
	}
	if existing != nil {
		s.metrics.ObserveImport(string(OutcomeDuplicate))
		log.Info("duplicate import suppressed", zap.String("task_id", existing.TaskID))
		return &SubmitResponse{
			Outcome: OutcomeDuplicate,
			TaskID:  existing.TaskID,
			Message: fmt.Sprintf("import already %s", existing.Status),
		}, nil
	}

	status, err := s.tracker.Create(ctx, types.TaskKindImport, meta)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.ctx, status.TaskID, dreq)
	}()

	s.metrics.ObserveImport(string(OutcomeStarted))
	return &SubmitResponse{
		Outcome: OutcomeStarted,
		TaskID:  status.TaskID,
		Message: "import started",
	}, nil
}

// Status returns the status of an import task
func (s *Service) Status(ctx context.Context, taskID string) (*types.TaskStatus, error) {
	return s.tracker.Get(ctx, taskID)
}

// Result returns the cached import result of a contract
func (s *Service) Result(ctx context.Context, chainID int64, contract string) (*types.ImportResult, error) {
	result, err := s.cachedResult(ctx, chainID, contract)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrNoResult
	}
	return result, nil
}

// Wait blocks until every background run has finished
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close cancels background runs and waits for them
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) cachedResult(ctx context.Context, chainID int64, contract string) (*types.ImportResult, error) {
	var result types.ImportResult
	found, err := s.cache.GetJSON(ctx, cache.ImportResultKey(chainID, contract), &result)
	if err != nil {
		return nil, err
	}
	if !found || result.Expired(s.now()) {
		return nil, nil
	}
	return &result, nil
}

// run executes discovery then persistence for one task
func (s *Service) run(ctx context.Context, taskID string, req DiscoverRequest) {
	log := logger.WithTask(logger.WithEntity(s.logger, req.ChainID, req.Contract), taskID)

	disc, err := s.importer.Discover(ctx, req)
	if err != nil {
		s.metrics.ObserveImport("failed")
		if _, ferr := s.tracker.Fail(context.WithoutCancel(ctx), taskID, err); ferr != nil {
			log.Error("failed to record task failure", zap.Error(ferr))
		}
		return
	}

	result := disc.Result
	expires := s.now().Add(s.config.CacheTTL).UTC()
	result.ExpiresAt = &expires
	if err := s.cache.SetJSON(ctx, cache.ImportResultKey(req.ChainID, req.Contract), result, s.config.CacheTTL); err != nil {
		log.Warn("failed to cache import result", zap.Error(err))
	}
	if err := s.tracker.SetMessage(ctx, taskID, fmt.Sprintf("found %d addresses, persisting", result.TotalAddresses)); err != nil {
		log.Warn("failed to update task message", zap.Error(err))
	}

	note := s.persist(ctx, log, req, disc)

	message := fmt.Sprintf("found %d unique addresses from %d transactions", result.TotalAddresses, result.TransactionsProcessed)
	if note != "" {
		message += "; " + note
	}
	if _, err := s.tracker.Complete(context.WithoutCancel(ctx), taskID, message, result); err != nil {
		log.Error("failed to record task completion", zap.Error(err))
		return
	}
	s.metrics.ObserveImport("completed")
}

// persist writes the discovered pages and merges their extent into the
// checkpoint. Each step has its own timeout. The returned note is empty on
// success and describes what went wrong otherwise.
func (s *Service) persist(ctx context.Context, log *zap.Logger, req DiscoverRequest, disc *Discovery) string {
	if len(disc.Records) == 0 {
		return ""
	}

	initCtx, cancel := context.WithTimeout(ctx, s.config.TableInitTimeout)
	err := s.tables.EnsureTable(initCtx, s.config.Table)
	cancel()
	if err != nil {
		log.Error("table initialization failed, skipping persistence", zap.Error(err))
		return "persistence skipped: table initialization failed"
	}

	unlock := s.checkpoints.Lock(req.ChainID, req.Contract)
	defer unlock()

	low, high := disc.Result.StartBlock, disc.Result.EndBlock
	if s.checkpoints.Covers(ctx, req.ChainID, req.Contract, low, high) {
		log.Info("block range already stored, skipping persistence",
			zap.Uint64("start_block", low),
			zap.Uint64("end_block", high),
		)
		return ""
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	res, err := s.checkpoints.Write(storeCtx, req.ChainID, req.Contract, s.config.Table, disc.Records)
	cancel()
	if err != nil {
		log.Error("transaction storage failed", zap.Error(err))
		return "transaction storage failed"
	}
	log.Info("transactions stored",
		zap.String("strategy", string(res.Strategy)),
		zap.Int("written", res.Written),
	)

	if !s.checkpoints.Extends(ctx, req.ChainID, req.Contract, res.StartBlock, res.EndBlock) {
		log.Info("stored range is disjoint from the checkpoint, leaving it unchanged",
			zap.Uint64("start_block", res.StartBlock),
			zap.Uint64("end_block", res.EndBlock),
		)
		return ""
	}

	cpCtx, cancel := context.WithTimeout(ctx, s.config.CheckpointTimeout)
	_, err = s.checkpoints.Update(cpCtx, req.ChainID, req.Contract, &res.StartBlock, res.EndBlock)
	cancel()
	if err != nil {
		log.Warn("checkpoint update failed, stored transactions remain valid", zap.Error(err))
		return "checkpoint update failed"
	}
	return ""
}
