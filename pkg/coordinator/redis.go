package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"github.com/0xmhha/ledger-crawler/internal/logger"
	"github.com/0xmhha/ledger-crawler/pkg/metrics"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

// Task hash fields
const (
	fieldState       = "state"
	fieldTask        = "task"
	fieldResult      = "result"
	fieldError       = "error"
	fieldSubmittedAt = "submitted_at"
	fieldUpdatedAt   = "updated_at"
)

// RedisConfig holds Redis queue configuration
type RedisConfig struct {
	// QueueKey is the list pending batch ids are pushed to
	QueueKey string
	// TaskPrefix prefixes the hash holding one task's state and result
	TaskPrefix string
	// TTL bounds how long a task hash is kept
	TTL time.Duration
}

// DefaultRedisConfig returns a configuration with default values
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		QueueKey:   constants.DefaultRedisQueueKey,
		TaskPrefix: constants.DefaultRedisTaskPrefix,
		TTL:        constants.DefaultRedisTaskTTL,
	}
}

// RedisQueue is a TaskQueue whose tasks are executed by RedisWorker
// processes, possibly on other machines
type RedisQueue struct {
	client  redis.UniversalClient
	config  *RedisConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRedisQueue creates a Redis-backed task queue
func NewRedisQueue(client redis.UniversalClient, config *RedisConfig, log *zap.Logger, m *metrics.Metrics) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if config == nil {
		config = DefaultRedisConfig()
	}
	if config.QueueKey == "" || config.TaskPrefix == "" {
		return nil, fmt.Errorf("queue key and task prefix are required")
	}
	if config.TTL <= 0 {
		config.TTL = constants.DefaultRedisTaskTTL
	}
	return &RedisQueue{
		client:  client,
		config:  config,
		logger:  logger.WithComponent(log, "redis_queue"),
		metrics: m,
	}, nil
}

func (q *RedisQueue) taskKey(h Handle) string {
	return q.config.TaskPrefix + string(h)
}

// Submit stores the task hash and pushes its id onto the pending list
func (q *RedisQueue) Submit(ctx context.Context, task types.BatchTask) (Handle, error) {
	h := Handle(task.BatchID)
	if h == "" {
		return "", fmt.Errorf("batch id cannot be empty")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}

	key := q.taskKey(h)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key,
		fieldState, string(StateSubmitted),
		fieldTask, data,
		fieldSubmittedAt, now,
		fieldUpdatedAt, now,
	)
	pipe.Expire(ctx, key, q.config.TTL)
	pipe.LPush(ctx, q.config.QueueKey, string(h))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to submit batch %s: %w", h, err)
	}
	q.metrics.BatchSubmitted()
	return h, nil
}

// Poll reads the state of every handle in one round trip
func (q *RedisQueue) Poll(ctx context.Context, handles []Handle) ([]State, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(handles))
	for i, h := range handles {
		cmds[i] = pipe.HGet(ctx, q.taskKey(h), fieldState)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to poll batches: %w", err)
	}

	states := make([]State, len(handles))
	for i, cmd := range cmds {
		s, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTask, handles[i])
		}
		if err != nil {
			return nil, fmt.Errorf("failed to poll batch %s: %w", handles[i], err)
		}
		states[i] = State(s)
	}
	return states, nil
}

// Result returns the output of a finished task
func (q *RedisQueue) Result(ctx context.Context, h Handle) (*types.BatchResult, error) {
	fields, err := q.client.HGetAll(ctx, q.taskKey(h)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", h, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, h)
	}

	switch State(fields[fieldState]) {
	case StateSucceeded:
		var result types.BatchResult
		if err := json.Unmarshal([]byte(fields[fieldResult]), &result); err != nil {
			return nil, fmt.Errorf("failed to decode result of batch %s: %w", h, err)
		}
		return &result, nil
	case StateFailed:
		return nil, fmt.Errorf("%w: %s: %s", ErrTaskFailed, h, fields[fieldError])
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFinished, h, fields[fieldState])
	}
}

// claim pops the next pending task, waiting up to timeout.
// ok is false when nothing arrived in time.
func (q *RedisQueue) claim(ctx context.Context, timeout time.Duration) (task types.BatchTask, ok bool, err error) {
	popped, err := q.client.BRPop(ctx, timeout, q.config.QueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return task, false, nil
	}
	if err != nil {
		return task, false, err
	}
	h := Handle(popped[1])

	data, err := q.client.HGet(ctx, q.taskKey(h), fieldTask).Bytes()
	if errors.Is(err, redis.Nil) {
		q.logger.Warn("Dropping expired batch", zap.String("batch_id", string(h)))
		return task, false, nil
	}
	if err != nil {
		return task, false, fmt.Errorf("failed to load batch %s: %w", h, err)
	}
	if err := json.Unmarshal(data, &task); err != nil {
		q.fail(ctx, h, fmt.Errorf("undecodable task: %w", err))
		return task, false, nil
	}

	if err := q.client.HSet(ctx, q.taskKey(h),
		fieldState, string(StateRunning),
		fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return task, false, fmt.Errorf("failed to mark batch %s running: %w", h, err)
	}
	return task, true, nil
}

func (q *RedisQueue) complete(ctx context.Context, h Handle, result *types.BatchResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return q.fail(ctx, h, fmt.Errorf("failed to encode result: %w", err))
	}
	key := q.taskKey(h)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key,
		fieldState, string(StateSucceeded),
		fieldResult, data,
		fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, q.config.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store result of batch %s: %w", h, err)
	}
	q.metrics.BatchFinished(string(StateSucceeded))
	return nil
}

func (q *RedisQueue) fail(ctx context.Context, h Handle, cause error) error {
	key := q.taskKey(h)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key,
		fieldState, string(StateFailed),
		fieldError, cause.Error(),
		fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, q.config.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store failure of batch %s: %w", h, err)
	}
	q.metrics.BatchFinished(string(StateFailed))
	return nil
}

// RedisWorker executes tasks from a RedisQueue
type RedisWorker struct {
	queue       *RedisQueue
	handler     BatchHandler
	concurrency int
	pollTimeout time.Duration
	logger      *zap.Logger
}

// NewRedisWorker creates a worker running concurrency handlers at once
func NewRedisWorker(queue *RedisQueue, handler BatchHandler, concurrency int, log *zap.Logger) (*RedisWorker, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &RedisWorker{
		queue:       queue,
		handler:     handler,
		concurrency: concurrency,
		pollTimeout: time.Second,
		logger:      logger.WithComponent(log, "redis_worker"),
	}, nil
}

// Run consumes tasks until ctx is canceled.
// It returns nil on cancellation and the first Redis error otherwise.
func (w *RedisWorker) Run(ctx context.Context) error {
	w.logger.Info("Redis worker started",
		zap.Int("concurrency", w.concurrency),
		zap.String("queue", w.queue.config.QueueKey))

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i
		g.Go(func() error {
			return w.loop(gCtx, workerID)
		})
	}

	err := g.Wait()
	w.logger.Info("Redis worker stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *RedisWorker) loop(ctx context.Context, id int) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task, ok, err := w.queue.claim(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("worker %d: %w", id, err)
		}
		if !ok {
			continue
		}
		if err := w.process(ctx, task); err != nil {
			return fmt.Errorf("worker %d: %w", id, err)
		}
	}
}

// ProcessOne claims and runs a single task if one arrives within the poll timeout
func (w *RedisWorker) ProcessOne(ctx context.Context) (bool, error) {
	task, ok, err := w.queue.claim(ctx, w.pollTimeout)
	if err != nil || !ok {
		return false, err
	}
	return true, w.process(ctx, task)
}

func (w *RedisWorker) process(ctx context.Context, task types.BatchTask) error {
	h := Handle(task.BatchID)
	log := w.logger.With(zap.String("batch_id", task.BatchID))
	start := time.Now()

	result, err := runHandler(ctx, w.handler, task)
	if err != nil {
		log.Warn("Batch failed", zap.Error(err))
		return w.queue.fail(context.WithoutCancel(ctx), h, err)
	}

	log.Info("Batch completed",
		zap.Int("records", result.TotalCount),
		zap.Duration("elapsed", time.Since(start)))
	return w.queue.complete(context.WithoutCancel(ctx), h, result)
}

func runHandler(ctx context.Context, handler BatchHandler, task types.BatchTask) (result *types.BatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	result, err = handler(ctx, task)
	if err == nil && result == nil {
		result = &types.BatchResult{}
	}
	return result, err
}
