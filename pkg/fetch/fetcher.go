package fetch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"github.com/0xmhha/ledger-crawler/internal/logger"
	"github.com/0xmhha/ledger-crawler/pkg/client"
	"github.com/0xmhha/ledger-crawler/pkg/metrics"
	"github.com/0xmhha/ledger-crawler/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrStalledPage is returned when a full page does not move the window,
	// i.e. a single block holds more records than one page
	ErrStalledPage = errors.New("page did not advance the block window")

	// ErrMaxPages is returned when a walk hits its page bound
	ErrMaxPages = errors.New("page limit reached")
)

// PageFetcher issues one page request against the ledger API
type PageFetcher interface {
	Fetch(ctx context.Context, req client.FetchRequest) (*client.FetchResult, error)
}

// StartResolver resolves the first block of a lookback window
type StartResolver interface {
	HistoricalStartBlock(ctx context.Context, chainID int64, lookback time.Duration) uint64
}

// Config holds fetcher configuration
type Config struct {
	// PageSize is the number of records requested per page
	PageSize int

	// InterPageDelay is the pause between consecutive requests of one walk
	InterPageDelay time.Duration

	// MaxPages bounds a forward walk (0 disables the bound)
	MaxPages int
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		PageSize:       constants.DefaultPageSize,
		InterPageDelay: constants.DefaultInterPageDelay,
		MaxPages:       constants.DefaultMaxPages,
	}
}

// Validate validates the fetcher configuration
func (c *Config) Validate() error {
	if c.PageSize <= 0 || c.PageSize > constants.MaxPageSize {
		return fmt.Errorf("page size must be between 1 and %d", constants.MaxPageSize)
	}
	if c.InterPageDelay < 0 {
		return fmt.Errorf("inter-page delay cannot be negative")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max pages cannot be negative")
	}
	return nil
}

// Fetcher walks the paginated transaction list of one entity at a time.
// Walks are sequential: each window depends on the previous page.
type Fetcher struct {
	client   PageFetcher
	resolver StartResolver
	config   *Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewFetcher creates a new fetcher.
// resolver may be nil when TIME_RANGE walks are not used.
func NewFetcher(c PageFetcher, resolver StartResolver, config *Config, log *zap.Logger, m *metrics.Metrics) (*Fetcher, error) {
	if c == nil {
		return nil, fmt.Errorf("page fetcher cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetcher config: %w", err)
	}
	return &Fetcher{
		client:   c,
		resolver: resolver,
		config:   config,
		logger:   logger.WithComponent(log, "fetcher"),
		metrics:  m,
	}, nil
}

// FetchAllRequest describes one mode-driven forward walk
type FetchAllRequest struct {
	Entity  string
	ChainID int64
	Mode    types.FetchMode
	// ResumePoint is the last block already covered (INCREMENTAL)
	ResumePoint uint64
	// Lookback is the window walked back from now (TIME_RANGE)
	Lookback time.Duration
}

// WalkRequest describes a forward walk over an explicit range
type WalkRequest struct {
	Entity     string
	ChainID    int64
	StartBlock uint64
	// EndBlock bounds the walk inclusively; nil walks to the latest block
	EndBlock *uint64
}

// Result is the outcome of a forward walk.
// A walk cut short by an error still returns what it accumulated: Complete
// is false and Err holds the cause.
type Result struct {
	Mode         types.FetchMode
	Records      []types.Transaction
	StartBlock   uint64
	LowestBlock  uint64
	HighestBlock uint64
	Pages        int
	Duplicates   int
	Complete     bool
	Err          error
}

// Settled returns the records of blocks known to be fully fetched.
// A walk cut short may hold only part of its highest block, so that block
// is left for the next walk to fetch again.
func (r *Result) Settled() []types.Transaction {
	if r.Complete || len(r.Records) == 0 {
		return r.Records
	}
	out := make([]types.Transaction, 0, len(r.Records))
	for _, tx := range r.Records {
		if tx.BlockNumber < r.HighestBlock {
			out = append(out, tx)
		}
	}
	return out
}

// StartBlock returns the first block a walk in the given mode covers
func (f *Fetcher) StartBlock(ctx context.Context, req FetchAllRequest) (uint64, error) {
	switch req.Mode {
	case types.FetchModeFullRefresh:
		return 0, nil
	case types.FetchModeIncremental:
		if req.ResumePoint == math.MaxUint64 {
			return 0, fmt.Errorf("resume point %d has no successor", req.ResumePoint)
		}
		return req.ResumePoint + 1, nil
	case types.FetchModeTimeRange:
		if f.resolver == nil {
			return 0, fmt.Errorf("time range walks need a start resolver")
		}
		if req.Lookback <= 0 {
			return 0, fmt.Errorf("time range walks need a positive lookback")
		}
		return f.resolver.HistoricalStartBlock(ctx, req.ChainID, req.Lookback), nil
	default:
		return 0, fmt.Errorf("unknown fetch mode %q", req.Mode)
	}
}

// FetchAll walks every record of the entity from the mode's start block to
// the latest block. Only an invalid request returns an error; fetch failures
// end the walk and are reported on the result.
func (f *Fetcher) FetchAll(ctx context.Context, req FetchAllRequest) (*Result, error) {
	start, err := f.StartBlock(ctx, req)
	if err != nil {
		return nil, err
	}
	res := f.Walk(ctx, WalkRequest{
		Entity:     req.Entity,
		ChainID:    req.ChainID,
		StartBlock: start,
	})
	res.Mode = req.Mode
	return res, nil
}

// Walk pages ascending through [StartBlock, EndBlock].
//
// A full page moves the next window's start to the last block of the page
// minus one. The API truncates by record count, so the boundary block may
// have records past the page; re-requesting it and deduplicating by identity
// key is what keeps them. Do not advance to last+1.
func (f *Fetcher) Walk(ctx context.Context, req WalkRequest) *Result {
	log := logger.WithEntity(f.logger, req.ChainID, req.Entity)
	pageSize := f.config.PageSize
	dedup := NewBoundaryDeduper()
	current := req.StartBlock

	res := &Result{StartBlock: req.StartBlock}

	log.Info("starting forward walk",
		zap.Uint64("start_block", req.StartBlock),
		zap.Int("page_size", pageSize),
	)

	for {
		if f.config.MaxPages > 0 && res.Pages >= f.config.MaxPages {
			res.Err = fmt.Errorf("%w: %d pages from block %d", ErrMaxPages, res.Pages, req.StartBlock)
			break
		}

		page, err := f.client.Fetch(ctx, client.FetchRequest{
			Entity:     req.Entity,
			ChainID:    req.ChainID,
			StartBlock: current,
			EndBlock:   req.EndBlock,
			PageSize:   pageSize,
			Sort:       types.SortAsc,
		})
		if err != nil {
			log.Error("walk aborted, returning partial result",
				zap.Uint64("block", current),
				zap.Int("page", res.Pages+1),
				zap.Int("records", len(res.Records)),
				zap.Error(err),
			)
			res.Err = err
			break
		}
		res.Pages++
		f.metrics.IncPage("forward")

		fresh, dropped := dedup.Filter(page.Transactions)
		res.Records = append(res.Records, fresh...)
		res.Duplicates += dropped
		f.metrics.AddDuplicates(dropped)

		log.Debug("page walked",
			zap.Int("page", res.Pages),
			zap.Uint64("block", current),
			zap.Int("received", len(page.Transactions)),
			zap.Int("duplicates", dropped),
		)

		if len(page.Transactions) < pageSize {
			res.Complete = true
			break
		}

		last, _ := page.LastBlock()
		if last <= current+1 {
			res.Err = fmt.Errorf("%w: blocks %d-%d fill a page of %d", ErrStalledPage, current, last, pageSize)
			log.Error("walk stalled", zap.Uint64("block", current), zap.Error(res.Err))
			break
		}
		current = last - 1
		dedup.Slide(current, math.MaxUint64)

		if err := sleep(ctx, f.config.InterPageDelay); err != nil {
			res.Err = err
			break
		}
	}

	if low, high, ok := types.BlockExtent(res.Records); ok {
		res.LowestBlock, res.HighestBlock = low, high
	}
	f.metrics.ObserveWalk(res.Complete, len(res.Records))

	log.Info("forward walk finished",
		zap.Bool("complete", res.Complete),
		zap.Int("pages", res.Pages),
		zap.Int("records", len(res.Records)),
		zap.Int("duplicates", res.Duplicates),
		zap.Uint64("highest_block", res.HighestBlock),
	)
	return res
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
