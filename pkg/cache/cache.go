package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/0xmhha/ledger-crawler/internal/constants"
)

// ErrClosed is returned by a store after Close
var ErrClosed = errors.New("cache store is closed")

// Store is a JSON key/value store with per-key expiry.
// A ttl of zero keeps the key until it is deleted.
type Store interface {
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	// GetJSON decodes the value into out; found is false for a missing or expired key
	GetJSON(ctx context.Context, key string, out interface{}) (found bool, err error)
	Delete(ctx context.Context, key string) error
	// KeysMatching returns keys matching a glob pattern ("*", "?", "[...]")
	KeysMatching(ctx context.Context, pattern string) ([]string, error)
	Close() error
}

// ImportResultKey is where the import result of a contract is cached
func ImportResultKey(chainID int64, contract string) string {
	return fmt.Sprintf("%s:%d:%s", constants.ImportResultKeyPrefix, chainID, strings.ToLower(strings.TrimSpace(contract)))
}

// TaskStatusKey is where a task status record is kept
func TaskStatusKey(taskID string) string {
	return constants.TaskStatusKeyPrefix + ":" + taskID
}

// TaskStatusPattern matches every task status key
func TaskStatusPattern() string {
	return constants.TaskStatusKeyPrefix + ":*"
}
