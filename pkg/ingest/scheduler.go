package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"github.com/0xmhha/ledger-crawler/internal/logger"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

// Entity identifies one scheduled sync target
type Entity struct {
	ChainID int64
	Address string
}

func (e Entity) key() string {
	return fmt.Sprintf("%d:%s", e.ChainID, types.NormalizeAddress(e.Address))
}

// SyncFunc runs one incremental sync
type SyncFunc func(ctx context.Context, req SyncRequest) (*SyncReport, error)

// SchedulerConfig holds periodic sync settings
type SchedulerConfig struct {
	// Cron is a six-field spec with seconds
	Cron          string
	MaxConcurrent int
	Entities      []Entity
}

// DefaultSchedulerConfig returns the default scheduler configuration
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Cron:          constants.DefaultSyncCron,
		MaxConcurrent: constants.DefaultMaxConcurrentSyncs,
	}
}

// Scheduler runs incremental syncs of the configured entities on a cron
// schedule. An entity still syncing from a previous tick is skipped, and at
// most MaxConcurrent syncs run at once.
type Scheduler struct {
	cron     *cron.Cron
	syncFn   SyncFunc
	entities []Entity
	logger   *zap.Logger

	slots   chan struct{}
	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler; call Start to begin ticking
func NewScheduler(config *SchedulerConfig, fn SyncFunc, log *zap.Logger) (*Scheduler, error) {
	if fn == nil {
		return nil, fmt.Errorf("sync function cannot be nil")
	}
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	maxConcurrent := config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = constants.DefaultMaxConcurrentSyncs
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		syncFn:   fn,
		entities: append([]Entity(nil), config.Entities...),
		logger:   logger.WithComponent(log, "scheduler"),
		slots:    make(chan struct{}, maxConcurrent),
		running:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}

	if _, err := s.cron.AddFunc(config.Cron, s.Tick); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid cron spec %q: %w", config.Cron, err)
	}
	return s, nil
}

// Start begins running scheduled ticks
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("entities", len(s.entities)))
}

// Stop stops the cron, cancels running syncs and waits for them
func (s *Scheduler) Stop() {
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Tick starts a sync for every entity that is not already syncing
func (s *Scheduler) Tick() {
	for _, e := range s.entities {
		if !s.acquire(e) {
			s.logger.Debug("sync still running, skipping",
				zap.Int64("chain_id", e.ChainID),
				zap.String("entity", e.Address),
			)
			continue
		}
		s.wg.Add(1)
		go s.run(e)
	}
}

// Running reports whether a sync of e is in flight
func (s *Scheduler) Running(e Entity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[e.key()]
}

func (s *Scheduler) acquire(e Entity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[e.key()] {
		return false
	}
	s.running[e.key()] = true
	return true
}

func (s *Scheduler) release(e Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, e.key())
}

func (s *Scheduler) run(e Entity) {
	defer s.wg.Done()
	defer s.release(e)

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-s.ctx.Done():
		return
	}

	log := logger.WithEntity(s.logger, e.ChainID, e.Address)
	report, err := s.syncFn(s.ctx, SyncRequest{
		ChainID: e.ChainID,
		Entity:  e.Address,
		Mode:    types.FetchModeIncremental,
	})
	if errors.Is(err, ErrTaskActive) {
		log.Info("entity already syncing, skipping tick", zap.Error(err))
		return
	}
	if err != nil {
		log.Error("scheduled sync failed", zap.Error(err))
		return
	}
	log.Info("scheduled sync finished",
		zap.String("mode", string(report.Mode)),
		zap.Int("fetched", report.Fetched),
		zap.Bool("complete", report.Complete),
	)
}
