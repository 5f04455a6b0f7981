package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"github.com/0xmhha/ledger-crawler/internal/logger"
	"github.com/0xmhha/ledger-crawler/pkg/cache"
	"github.com/0xmhha/ledger-crawler/pkg/metrics"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

var (
	// ErrNotFound is returned when no status record exists for a task id
	ErrNotFound = errors.New("task not found")

	// ErrAlreadyFinished is returned when a terminal task is mutated again
	ErrAlreadyFinished = errors.New("task already finished")
)

// Tracker keeps task status records in a cache store.
// Each record is owned by the background run that created it.
type Tracker struct {
	store   cache.Store
	ttl     time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewTracker creates a tracker; a ttl of zero uses the default retention
func NewTracker(store cache.Store, ttl time.Duration, log *zap.Logger, m *metrics.Metrics) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if ttl <= 0 {
		ttl = constants.DefaultTaskStatusTTL
	}
	return &Tracker{
		store:   store,
		ttl:     ttl,
		logger:  logger.WithComponent(log, "tasks"),
		metrics: m,
		now:     time.Now,
	}, nil
}

// Create writes a running status record and returns it
func (t *Tracker) Create(ctx context.Context, kind types.TaskKind, metadata map[string]string) (*types.TaskStatus, error) {
	status := &types.TaskStatus{
		TaskID:    uuid.NewString(),
		Kind:      kind,
		Status:    types.TaskRunning,
		Message:   fmt.Sprintf("%s started", kind),
		Metadata:  copyMetadata(metadata),
		CreatedAt: t.now().UTC(),
	}
	if err := t.put(ctx, status); err != nil {
		return nil, err
	}
	t.metrics.ObserveTask(string(kind), string(types.TaskRunning))
	t.logger.Info("task created",
		zap.String("task_id", status.TaskID),
		zap.String("kind", string(kind)),
		zap.Any("metadata", status.Metadata),
	)
	return status, nil
}

// SetMessage updates the progress message of a running task
func (t *Tracker) SetMessage(ctx context.Context, taskID, message string) error {
	status, err := t.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyFinished, taskID)
	}
	status.Message = message
	return t.put(ctx, status)
}

// Complete marks a task completed and stores its result
func (t *Tracker) Complete(ctx context.Context, taskID, message string, result interface{}) (*types.TaskStatus, error) {
	status, err := t.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyFinished, taskID)
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result of %s: %w", taskID, err)
		}
		status.Result = raw
	}
	t.finish(status, types.TaskCompleted, message)
	if err := t.put(ctx, status); err != nil {
		return nil, err
	}
	t.logger.Info("task completed", zap.String("task_id", taskID), zap.String("message", message))
	return status, nil
}

// Fail marks a task failed with the cause
func (t *Tracker) Fail(ctx context.Context, taskID string, cause error) (*types.TaskStatus, error) {
	status, err := t.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyFinished, taskID)
	}
	if cause != nil {
		status.Error = cause.Error()
	}
	t.finish(status, types.TaskFailed, fmt.Sprintf("%s failed", status.Kind))
	if err := t.put(ctx, status); err != nil {
		return nil, err
	}
	t.logger.Warn("task failed", zap.String("task_id", taskID), zap.Error(cause))
	return status, nil
}

// Get returns the status of a task
func (t *Tracker) Get(ctx context.Context, taskID string) (*types.TaskStatus, error) {
	var status types.TaskStatus
	found, err := t.store.GetJSON(ctx, cache.TaskStatusKey(taskID), &status)
	if err != nil {
		return nil, fmt.Errorf("failed to read task %s: %w", taskID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return &status, nil
}

// List returns every retained task, newest first
func (t *Tracker) List(ctx context.Context) ([]*types.TaskStatus, error) {
	keys, err := t.store.KeysMatching(ctx, cache.TaskStatusPattern())
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	out := make([]*types.TaskStatus, 0, len(keys))
	for _, key := range keys {
		var status types.TaskStatus
		found, err := t.store.GetJSON(ctx, key, &status)
		if err != nil {
			t.logger.Warn("skipping unreadable task status", zap.String("key", key), zap.Error(err))
			continue
		}
		if !found {
			// expired between scan and read
			continue
		}
		out = append(out, &status)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// FindActive returns a task of kind with identical metadata that is either
// still running or was created within window. It returns nil when there is none.
func (t *Tracker) FindActive(ctx context.Context, kind types.TaskKind, metadata map[string]string, window time.Duration) (*types.TaskStatus, error) {
	all, err := t.List(ctx)
	if err != nil {
		return nil, err
	}

	now := t.now()
	var recent *types.TaskStatus
	for _, status := range all {
		if status.Kind != kind || !sameMetadata(status.Metadata, metadata) {
			continue
		}
		if status.Status == types.TaskRunning {
			return status, nil
		}
		if recent == nil && window > 0 && now.Sub(status.CreatedAt) < window {
			recent = status
		}
	}
	return recent, nil
}

func (t *Tracker) finish(status *types.TaskStatus, state types.TaskState, message string) {
	completed := t.now().UTC()
	status.Status = state
	status.Message = message
	status.CompletedAt = &completed
	t.metrics.ObserveTask(string(status.Kind), string(state))
}

func (t *Tracker) put(ctx context.Context, status *types.TaskStatus) error {
	if err := t.store.SetJSON(ctx, cache.TaskStatusKey(status.TaskID), status, t.ttl); err != nil {
		return fmt.Errorf("failed to write task %s: %w", status.TaskID, err)
	}
	return nil
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sameMetadata(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if other, ok := b[k]; !ok || other != v {
			return false
		}
	}
	return true
}
