package storage

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

// Common errors
var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("not found")

	// ErrCorrupt is returned when a stored record cannot be decoded
	ErrCorrupt = errors.New("corrupt record")

	// ErrClosed is returned when operating on a closed storage
	ErrClosed = errors.New("storage closed")

	// ErrReadOnly is returned when attempting to write to a read-only storage
	ErrReadOnly = errors.New("storage is read-only")

	// ErrInvalidTable is returned for table names outside [a-z0-9_]
	ErrInvalidTable = errors.New("invalid table name")

	// ErrUnsupportedJoinKeys is returned when Upsert is asked to match on
	// anything other than the transaction identity key
	ErrUnsupportedJoinKeys = errors.New("unsupported join keys")
)

// IdentityJoinKeys are the join keys of an idempotent transaction upsert
var IdentityJoinKeys = []string{"chain_id", "block_number", "hash"}

var tableNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidTableName reports whether name can be used as a table name
func ValidTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}

// Filter narrows a table scan.
// Zero values leave a dimension unbounded.
type Filter struct {
	ChainID   int64
	FromBlock uint64
	ToBlock   uint64
	// FromDate and ToDate are inclusive YYYY-MM-DD partition bounds
	FromDate string
	ToDate   string
	// Address matches either side of a transaction
	Address string
}

// TableStore is the partitioned transaction store.
// Append is a blind insert; Upsert is keyed by the join keys.
type TableStore interface {
	// EnsureTable creates the table if it does not exist
	EnsureTable(ctx context.Context, table string) error

	// Append inserts records without looking for existing rows
	Append(ctx context.Context, table string, records []types.Transaction) error

	// Upsert inserts records or replaces the rows that match on joinKeys
	Upsert(ctx context.Context, table string, records []types.Transaction, joinKeys []string) error

	// Scan returns the records matching filter ordered by block and index
	Scan(ctx context.Context, table string, filter Filter) ([]types.Transaction, error)
}

// CheckpointStore persists one checkpoint per (chain, entity)
type CheckpointStore interface {
	// GetCheckpoint returns ErrNotFound when no checkpoint exists and
	// ErrCorrupt when the stored checkpoint cannot be parsed
	GetCheckpoint(ctx context.Context, chainID int64, entity string) (*types.Checkpoint, error)

	// PutCheckpoint inserts or replaces the checkpoint
	PutCheckpoint(ctx context.Context, cp *types.Checkpoint) error
}

// Config holds storage configuration
type Config struct {
	// Path to the database directory
	Path string

	// Cache size in MB (default: 128)
	Cache int

	// MaxOpenFiles is the maximum number of open files (default: 1000)
	MaxOpenFiles int

	// WriteBuffer size in MB (default: 64)
	WriteBuffer int

	// DisableWAL disables write-ahead log (not recommended)
	DisableWAL bool

	// ReadOnly opens the database in read-only mode
	ReadOnly bool

	// CompactionConcurrency for background compaction (default: 1)
	CompactionConcurrency int
}

// DefaultConfig returns a default configuration
func DefaultConfig(path string) *Config {
	return &Config{
		Path:                  path,
		Cache:                 constants.DefaultCacheSize,
		MaxOpenFiles:          constants.DefaultMaxOpenFiles,
		WriteBuffer:           constants.DefaultWriteBuffer,
		CompactionConcurrency: 1,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("path cannot be empty")
	}
	if c.Cache < 0 {
		return errors.New("cache size cannot be negative")
	}
	if c.MaxOpenFiles < 0 {
		return errors.New("max open files cannot be negative")
	}
	if c.WriteBuffer < 0 {
		return errors.New("write buffer size cannot be negative")
	}
	if c.CompactionConcurrency < 1 {
		return errors.New("compaction concurrency must be at least 1")
	}
	return nil
}

// TableInfo describes a table created by EnsureTable
type TableInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
