package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"github.com/0xmhha/ledger-crawler/internal/logger"
	"github.com/0xmhha/ledger-crawler/pkg/fetch"
	"github.com/0xmhha/ledger-crawler/pkg/metrics"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

// ErrInvalidContract is returned for a malformed contract address
var ErrInvalidContract = errors.New("invalid contract address")

// Walker pages an entity's history from the latest block backward
type Walker interface {
	WalkBackward(ctx context.Context, req fetch.BackwardRequest, visit fetch.PageVisitor) (*fetch.BackwardResult, error)
}

// Config holds discovery settings
type Config struct {
	// PageSize is the number of records per backward page
	PageSize int
	// MaxPages bounds the pages of one run
	MaxPages int
	// GenesisFloor ends a run once pages reach it
	GenesisFloor uint64
	// DefaultUserLimit applies when a request does not set one
	DefaultUserLimit int
}

// DefaultConfig returns the default discovery configuration
func DefaultConfig() *Config {
	return &Config{
		PageSize:         constants.DefaultImportPageSize,
		MaxPages:         constants.DefaultImportMaxPages,
		GenesisFloor:     constants.DefaultGenesisFloor,
		DefaultUserLimit: constants.DefaultUserLimit,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.PageSize <= 0 || c.PageSize > constants.MaxPageSize {
		return fmt.Errorf("page size must be between 1 and %d", constants.MaxPageSize)
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.DefaultUserLimit <= 0 {
		return fmt.Errorf("default user limit must be positive")
	}
	return nil
}

// DiscoverRequest asks for the most recent unique counterparties of a contract
type DiscoverRequest struct {
	ChainID   int64
	Contract  string
	UserLimit int
}

// Discovery is the outcome of a run. Records holds every page received and
// is what the persist phase writes.
type Discovery struct {
	Result  *types.ImportResult
	Records []types.Transaction
	Pages   int
	Reason  fetch.StopReason
}

// Importer discovers unique addresses by walking a contract's history backward
type Importer struct {
	walker  Walker
	config  *Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewImporter creates an importer
func NewImporter(walker Walker, config *Config, log *zap.Logger, m *metrics.Metrics) (*Importer, error) {
	if walker == nil {
		return nil, fmt.Errorf("walker cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Importer{
		walker:  walker,
		config:  config,
		logger:  logger.WithComponent(log, "importer"),
		metrics: m,
		now:     time.Now,
	}, nil
}

// normalizeRequest lowercases the contract and applies the default limit
func (i *Importer) normalizeRequest(req DiscoverRequest) (DiscoverRequest, error) {
	req.Contract = types.NormalizeAddress(req.Contract)
	if !types.ValidAddress(req.Contract) {
		return req, fmt.Errorf("%w: %q", ErrInvalidContract, req.Contract)
	}
	if req.UserLimit <= 0 {
		req.UserLimit = i.config.DefaultUserLimit
	}
	return req, nil
}

// Discover walks backward from the latest block until UserLimit distinct
// counterparties are found or the history is exhausted. It never touches
// storage. On a fetch error the partial state is discarded.
func (i *Importer) Discover(ctx context.Context, req DiscoverRequest) (*Discovery, error) {
	req, err := i.normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	log := logger.WithEntity(i.logger, req.ChainID, req.Contract)
	log.Info("starting discovery", zap.Int("user_limit", req.UserLimit))

	acc := newAccumulator(req.Contract, req.UserLimit)
	walk, err := i.walker.WalkBackward(ctx, fetch.BackwardRequest{
		Entity:   req.Contract,
		ChainID:  req.ChainID,
		PageSize: i.config.PageSize,
		MaxPages: i.config.MaxPages,
		Floor:    i.config.GenesisFloor,
	}, func(page []types.Transaction) (bool, error) {
		stop := acc.consume(page)
		log.Debug("page processed",
			zap.Int("records", len(page)),
			zap.Int("unique_addresses", len(acc.addresses)),
		)
		return stop, nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovery of %s aborted: %w", req.Contract, err)
	}

	result := &types.ImportResult{
		ChainID:               req.ChainID,
		ContractAddress:       req.Contract,
		UserLimit:             req.UserLimit,
		Addresses:             acc.addresses,
		TotalAddresses:        len(acc.addresses),
		BlocksProcessed:       len(acc.blocks),
		TransactionsProcessed: acc.txCount,
		LimitReached:          acc.limitReached,
		Stats:                 acc.stats,
		LastUpdated:           i.now().UTC(),
	}
	if result.Addresses == nil {
		result.Addresses = []string{}
	}
	if low, high, ok := types.BlockExtent(acc.records); ok {
		result.StartBlock = low
		result.EndBlock = high
	}
	i.metrics.ObserveAddresses(result.TotalAddresses)

	log.Info("discovery finished",
		zap.Int("unique_addresses", result.TotalAddresses),
		zap.Int("transactions", result.TransactionsProcessed),
		zap.Int("pages", walk.Pages),
		zap.String("reason", string(walk.Reason)),
		zap.Uint64("start_block", result.StartBlock),
		zap.Uint64("end_block", result.EndBlock),
	)

	return &Discovery{
		Result:  result,
		Records: acc.records,
		Pages:   walk.Pages,
		Reason:  walk.Reason,
	}, nil
}
