package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xmhha/ledger-crawler/internal/logger"
	"github.com/0xmhha/ledger-crawler/pkg/metrics"
	"github.com/0xmhha/ledger-crawler/pkg/storage"
	"github.com/0xmhha/ledger-crawler/pkg/types"
	"go.uber.org/zap"
)

// WriteStrategy is how a batch of records reaches the table store
type WriteStrategy string

const (
	// StrategyAppend is a blind insert for ranges disjoint from the checkpoint
	StrategyAppend WriteStrategy = "append"
	// StrategyUpsert deduplicates on the identity key
	StrategyUpsert WriteStrategy = "upsert"
	// StrategyNone means there was nothing to write
	StrategyNone WriteStrategy = "none"
)

// BlockResolver maps wall-clock time to block numbers
type BlockResolver interface {
	BlockByTimestamp(ctx context.Context, chainID int64, ts time.Time, closest string) (uint64, error)
}

// Config holds manager dependencies
type Config struct {
	Store    storage.CheckpointStore
	Tables   storage.TableStore
	Resolver BlockResolver
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Manager owns checkpoint reads and writes and the append/upsert decision.
// Write and Update do not lock; see Lock.
type Manager struct {
	store    storage.CheckpointStore
	tables   storage.TableStore
	resolver BlockResolver
	logger   *zap.Logger
	metrics  *metrics.Metrics
	locks    *entityLocks
	now      func() time.Time
}

// NewManager creates a checkpoint manager
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("checkpoint store cannot be nil")
	}
	return &Manager{
		store:    cfg.Store,
		tables:   cfg.Tables,
		resolver: cfg.Resolver,
		logger:   logger.WithComponent(cfg.Logger, "checkpoint"),
		metrics:  cfg.Metrics,
		locks:    newEntityLocks(),
		now:      time.Now,
	}, nil
}

// Get returns the covered range of an entity.
// found is false when no checkpoint exists; an unparseable checkpoint
// returns an error wrapping storage.ErrCorrupt.
func (m *Manager) Get(ctx context.Context, chainID int64, entity string) (start, end uint64, found bool, err error) {
	cp, err := m.store.GetCheckpoint(ctx, chainID, types.NormalizeAddress(entity))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return cp.StartBlock, cp.EndBlock, true, nil
}

// Update merges an observed range into the checkpoint.
// The start only moves down and the end only moves up. A nil observedStart
// keeps the existing start, or records 0 for a first-ever checkpoint.
func (m *Manager) Update(ctx context.Context, chainID int64, entity string, observedStart *uint64, observedEnd uint64) (*types.Checkpoint, error) {
	entity = types.NormalizeAddress(entity)

	start, end, found, err := m.Get(ctx, chainID, entity)
	if errors.Is(err, storage.ErrCorrupt) {
		m.logger.Warn("replacing unparseable checkpoint",
			zap.Int64("chain_id", chainID),
			zap.String("entity", entity),
			zap.Error(err),
		)
		found = false
	} else if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	newStart, newEnd := merge(found, start, end, observedStart, observedEnd)
	cp := &types.Checkpoint{
		ChainID:       chainID,
		EntityAddress: entity,
		StartBlock:    newStart,
		EndBlock:      newEnd,
		UpdatedAt:     m.now().UTC(),
	}
	if err := m.store.PutCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to store checkpoint: %w", err)
	}
	m.metrics.IncCheckpoint()

	m.logger.Info("checkpoint updated",
		zap.Int64("chain_id", chainID),
		zap.String("entity", entity),
		zap.Uint64("start_block", newStart),
		zap.Uint64("end_block", newEnd),
	)
	return cp, nil
}

func merge(found bool, start, end uint64, observedStart *uint64, observedEnd uint64) (uint64, uint64) {
	if !found {
		var s uint64
		if observedStart != nil {
			s = *observedStart
		}
		return s, observedEnd
	}
	newStart := start
	if observedStart != nil && *observedStart < newStart {
		newStart = *observedStart
	}
	newEnd := end
	if observedEnd > newEnd {
		newEnd = observedEnd
	}
	return newStart, newEnd
}

// Overlaps reports whether [candStart, candEnd] intersects the covered range.
// An unparseable checkpoint counts as overlapping; a missing one does not.
func (m *Manager) Overlaps(ctx context.Context, chainID int64, entity string, candStart, candEnd uint64) (bool, error) {
	start, end, found, err := m.Get(ctx, chainID, entity)
	if errors.Is(err, storage.ErrCorrupt) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	if !found {
		return false, nil
	}
	return candStart <= end && candEnd >= start, nil
}

// Strategy picks append for ranges disjoint from the checkpoint and upsert
// otherwise, including on any error.
func (m *Manager) Strategy(ctx context.Context, chainID int64, entity string, candStart, candEnd uint64) WriteStrategy {
	overlaps, err := m.Overlaps(ctx, chainID, entity, candStart, candEnd)
	if err != nil {
		m.logger.Warn("overlap check failed, using upsert",
			zap.Int64("chain_id", chainID),
			zap.String("entity", entity),
			zap.Error(err),
		)
		return StrategyUpsert
	}
	if overlaps {
		return StrategyUpsert
	}
	return StrategyAppend
}

// HistoricalStartBlock resolves the first block inside the lookback window.
// Any failure falls back to block 0.
func (m *Manager) HistoricalStartBlock(ctx context.Context, chainID int64, lookback time.Duration) uint64 {
	if m.resolver == nil || lookback <= 0 {
		return 0
	}
	ts := m.now().Add(-lookback)
	block, err := m.resolver.BlockByTimestamp(ctx, chainID, ts, "after")
	if err != nil {
		m.logger.Warn("could not resolve lookback start, starting from genesis",
			zap.Int64("chain_id", chainID),
			zap.Duration("lookback", lookback),
			zap.Error(err),
		)
		return 0
	}
	return block
}

// PersistResult describes one Persist call
type PersistResult struct {
	Strategy   WriteStrategy
	Written    int
	StartBlock uint64
	EndBlock   uint64
	Checkpoint *types.Checkpoint
}

// Write stores records with the strategy their block extent calls for.
// It does not touch the checkpoint.
func (m *Manager) Write(ctx context.Context, chainID int64, entity, table string, records []types.Transaction) (*PersistResult, error) {
	if m.tables == nil {
		return nil, fmt.Errorf("no table store configured")
	}
	low, high, ok := types.BlockExtent(records)
	if !ok {
		return &PersistResult{Strategy: StrategyNone}, nil
	}

	strategy := m.Strategy(ctx, chainID, entity, low, high)
	var err error
	switch strategy {
	case StrategyAppend:
		err = m.tables.Append(ctx, table, records)
	default:
		err = m.tables.Upsert(ctx, table, records, storage.IdentityJoinKeys)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to %s %d records into %s: %w", strategy, len(records), table, err)
	}
	m.metrics.AddPersisted(string(strategy), len(records))

	return &PersistResult{Strategy: strategy, Written: len(records), StartBlock: low, EndBlock: high}, nil
}

// Persist writes records and then merges their extent into the checkpoint,
// holding the entity lock throughout. Every write to the table store goes
// through Write or Persist.
func (m *Manager) Persist(ctx context.Context, chainID int64, entity, table string, records []types.Transaction) (*PersistResult, error) {
	unlock := m.Lock(chainID, entity)
	defer unlock()

	res, err := m.Write(ctx, chainID, entity, table, records)
	if err != nil || res.Strategy == StrategyNone {
		return res, err
	}

	cp, err := m.Update(ctx, chainID, entity, &res.StartBlock, res.EndBlock)
	if err != nil {
		return res, fmt.Errorf("records stored but checkpoint not updated: %w", err)
	}
	res.Checkpoint = cp
	return res, nil
}

// Covers reports whether [low, high] lies entirely inside the covered range.
// Any read failure reports false.
func (m *Manager) Covers(ctx context.Context, chainID int64, entity string, low, high uint64) bool {
	start, end, found, err := m.Get(ctx, chainID, entity)
	if err != nil || !found {
		return false
	}
	return low >= start && high <= end
}

// Extends reports whether [low, high] overlaps or abuts the covered range,
// so that merging it leaves no uncovered gap. With no usable checkpoint any
// range extends it; a read failure reports false.
func (m *Manager) Extends(ctx context.Context, chainID int64, entity string, low, high uint64) bool {
	start, end, found, err := m.Get(ctx, chainID, entity)
	if errors.Is(err, storage.ErrCorrupt) {
		return true
	}
	if err != nil {
		return false
	}
	if !found {
		return true
	}
	return low <= end+1 && high+1 >= start
}
