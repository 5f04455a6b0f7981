package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BlockDateLayout is the layout of Transaction.BlockDate and of storage partitions
const BlockDateLayout = "2006-01-02"

// FetchMode selects where a paginated walk starts
type FetchMode string

const (
	FetchModeFullRefresh FetchMode = "FULL_REFRESH"
	FetchModeIncremental FetchMode = "INCREMENTAL"
	FetchModeTimeRange   FetchMode = "TIME_RANGE"
)

// ParseFetchMode accepts both the canonical names and the short CLI forms
// ("full", "incremental", "time_range").
func ParseFetchMode(s string) (FetchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "full_refresh":
		return FetchModeFullRefresh, nil
	case "incremental", "":
		return FetchModeIncremental, nil
	case "time_range", "timerange", "range":
		return FetchModeTimeRange, nil
	default:
		return "", fmt.Errorf("unknown fetch mode %q", s)
	}
}

// SortOrder is the block ordering requested from the ledger API
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// TxKey is the identity key of a transaction record.
// Deduplication and idempotent storage both use it.
type TxKey struct {
	ChainID     int64
	BlockNumber uint64
	Hash        string
}

func (k TxKey) String() string {
	return fmt.Sprintf("%d:%d:%s", k.ChainID, k.BlockNumber, k.Hash)
}

// Transaction is the canonical ledger entry produced by the fetch client
type Transaction struct {
	ChainID          int64           `json:"chain_id"`
	BlockNumber      uint64          `json:"block_number"`
	Hash             string          `json:"hash"`
	From             string          `json:"from_address"`
	To               string          `json:"to_address"`
	Value            decimal.Decimal `json:"value"`
	GasUsed          uint64          `json:"gas_used"`
	GasPrice         decimal.Decimal `json:"gas_price"`
	Timestamp        int64           `json:"timestamp"`
	BlockTime        time.Time       `json:"block_time"`
	BlockDate        string          `json:"block_date"`
	FunctionName     string          `json:"function_name,omitempty"`
	MethodID         string          `json:"method_id,omitempty"`
	Nonce            uint64          `json:"nonce"`
	TransactionIndex uint64          `json:"transaction_index"`
	IsError          bool            `json:"is_error"`
	ContractAddress  string          `json:"contract_address,omitempty"`
}

// Key returns the identity key of the transaction
func (t *Transaction) Key() TxKey {
	return TxKey{ChainID: t.ChainID, BlockNumber: t.BlockNumber, Hash: t.Hash}
}

// BlockExtent returns the lowest and highest block numbers in records.
// ok is false when records is empty.
func BlockExtent(records []Transaction) (low, high uint64, ok bool) {
	if len(records) == 0 {
		return 0, 0, false
	}
	low, high = records[0].BlockNumber, records[0].BlockNumber
	for i := range records[1:] {
		n := records[i+1].BlockNumber
		if n < low {
			low = n
		}
		if n > high {
			high = n
		}
	}
	return low, high, true
}

// Checkpoint records the block range durably covered for one entity on one chain.
// StartBlock only ever moves down and EndBlock only ever moves up.
type Checkpoint struct {
	ChainID       int64     `json:"chain_id"`
	EntityAddress string    `json:"entity_address"`
	StartBlock    uint64    `json:"start_block"`
	EndBlock      uint64    `json:"end_block"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BatchTask is one disjoint slice of a larger block range
type BatchTask struct {
	BatchID       string `json:"batch_id"`
	Index         int    `json:"index"`
	ChainID       int64  `json:"chain_id"`
	EntityAddress string `json:"entity_address"`
	StartBlock    uint64 `json:"start_block"`
	EndBlock      uint64 `json:"end_block"`
}

// Size returns the number of blocks covered by the task
func (t BatchTask) Size() uint64 {
	if t.EndBlock < t.StartBlock {
		return 0
	}
	return t.EndBlock - t.StartBlock + 1
}

// BatchResult is what a worker produces for one BatchTask
type BatchResult struct {
	Transactions    []Transaction `json:"transactions"`
	LastBlockNumber uint64        `json:"last_block_number"`
	TotalCount      int           `json:"total_count"`
}

// AddressStats counts what happened to candidate addresses during an import
type AddressStats struct {
	FromCount       int `json:"from_count"`
	ToCount         int `json:"to_count"`
	ZeroFiltered    int `json:"zero_filtered"`
	InvalidFiltered int `json:"invalid_filtered"`
	SelfFiltered    int `json:"self_filtered"`
}

// ImportResult is the outcome of one unique-address discovery run
type ImportResult struct {
	ChainID               int64        `json:"chain_id"`
	ContractAddress       string       `json:"contract_address"`
	UserLimit             int          `json:"user_limit"`
	Addresses             []string     `json:"addresses"`
	TotalAddresses        int          `json:"total_addresses"`
	BlocksProcessed       int          `json:"blocks_processed"`
	TransactionsProcessed int          `json:"transactions_processed"`
	StartBlock            uint64       `json:"start_block"`
	EndBlock              uint64       `json:"end_block"`
	LimitReached          bool         `json:"limit_reached"`
	Stats                 AddressStats `json:"stats"`
	LastUpdated           time.Time    `json:"last_updated"`
	ExpiresAt             *time.Time   `json:"expires_at,omitempty"`
}

// Expired reports whether the result is past its expiry at now
func (r *ImportResult) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// TaskKind identifies which background operation a TaskStatus tracks
type TaskKind string

const (
	TaskKindImport   TaskKind = "import"
	TaskKindSync     TaskKind = "sync"
	TaskKindBackfill TaskKind = "backfill"
)

// TaskState is the lifecycle state of a background task
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// TaskStatus tracks one background import or sync.
// It is written as running before any asynchronous work starts.
type TaskStatus struct {
	TaskID      string            `json:"task_id"`
	Kind        TaskKind          `json:"kind"`
	Status      TaskState         `json:"status"`
	Message     string            `json:"message"`
	Metadata    map[string]string `json:"metadata"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Terminal reports whether the task has finished
func (s *TaskStatus) Terminal() bool {
	return s.Status == TaskCompleted || s.Status == TaskFailed
}
