package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"github.com/0xmhha/ledger-crawler/internal/logger"
	"github.com/0xmhha/ledger-crawler/pkg/metrics"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

// LocalConfig holds in-process worker pool configuration
type LocalConfig struct {
	Workers   int
	QueueSize int
}

// DefaultLocalConfig returns a configuration with default values
func DefaultLocalConfig() *LocalConfig {
	return &LocalConfig{
		Workers:   constants.DefaultNumWorkers,
		QueueSize: constants.DefaultQueueSize,
	}
}

type localTask struct {
	state  State
	result *types.BatchResult
	err    error
}

// LocalQueue is a TaskQueue backed by an in-process worker pool
type LocalQueue struct {
	config  *LocalConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	queue   *pendingQueue
	handler BatchHandler

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex

	tasksMu sync.RWMutex
	tasks   map[Handle]*localTask

	active  int32
	total   int64
	success int64
	failed  int64
}

// NewLocalQueue creates a worker pool; call Start before submitting
func NewLocalQueue(config *LocalConfig, handler BatchHandler, log *zap.Logger, m *metrics.Metrics) (*LocalQueue, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if config == nil {
		config = DefaultLocalConfig()
	}
	if config.Workers <= 0 {
		config.Workers = constants.DefaultNumWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = constants.DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LocalQueue{
		config:  config,
		logger:  logger.WithComponent(log, "local_queue"),
		metrics: m,
		queue:   newPendingQueue(config.QueueSize),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[Handle]*localTask),
	}, nil
}

// Start launches the workers
func (q *LocalQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return
	}
	q.started = true

	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.logger.Info("Worker pool started",
		zap.Int("workers", q.config.Workers),
		zap.Int("queue_size", q.config.QueueSize))
}

// Stop cancels running tasks and waits for the workers to exit.
// Tasks still queued are marked failed.
func (q *LocalQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.logger.Info("Stopping worker pool")
	q.cancel()
	q.queue.Close()
	q.wg.Wait()

	for _, task := range q.queue.Drain() {
		q.finish(task, nil, ErrQueueClosed)
	}

	q.mu.Lock()
	q.started = false
	q.mu.Unlock()
	q.logger.Info("Worker pool stopped")
}

// Submit enqueues a task, blocking while the queue is full until a worker
// frees a slot or ctx ends.
func (q *LocalQueue) Submit(ctx context.Context, task types.BatchTask) (Handle, error) {
	h := Handle(task.BatchID)
	if h == "" {
		return "", fmt.Errorf("batch id cannot be empty")
	}

	q.tasksMu.Lock()
	if _, exists := q.tasks[h]; exists {
		q.tasksMu.Unlock()
		return "", fmt.Errorf("batch %s already submitted", h)
	}
	q.tasks[h] = &localTask{state: StateSubmitted}
	q.tasksMu.Unlock()

	if err := q.queue.Enqueue(ctx, task); err != nil {
		q.tasksMu.Lock()
		delete(q.tasks, h)
		q.tasksMu.Unlock()
		return "", err
	}
	q.metrics.BatchSubmitted()
	return h, nil
}

// Poll returns the state of each handle
func (q *LocalQueue) Poll(_ context.Context, handles []Handle) ([]State, error) {
	q.tasksMu.RLock()
	defer q.tasksMu.RUnlock()

	states := make([]State, len(handles))
	for i, h := range handles {
		t, ok := q.tasks[h]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTask, h)
		}
		states[i] = t.state
	}
	return states, nil
}

// Result returns the output of a finished task
func (q *LocalQueue) Result(_ context.Context, h Handle) (*types.BatchResult, error) {
	q.tasksMu.RLock()
	defer q.tasksMu.RUnlock()

	t, ok := q.tasks[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, h)
	}
	switch t.state {
	case StateSucceeded:
		return t.result, nil
	case StateFailed:
		return nil, fmt.Errorf("%w: %s: %w", ErrTaskFailed, h, t.err)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFinished, h, t.state)
	}
}

// Stats returns worker pool statistics
func (q *LocalQueue) Stats() (total, success, failed int64, active, queueDepth int) {
	return atomic.LoadInt64(&q.total),
		atomic.LoadInt64(&q.success),
		atomic.LoadInt64(&q.failed),
		int(atomic.LoadInt32(&q.active)),
		q.queue.Size()
}

func (q *LocalQueue) worker(id int) {
	defer q.wg.Done()
	q.logger.Debug("Worker started", zap.Int("worker_id", id))

	for {
		task, ok := q.queue.Dequeue()
		if !ok {
			q.logger.Debug("Worker stopping", zap.Int("worker_id", id))
			return
		}
		q.process(id, task)
	}
}

func (q *LocalQueue) process(workerID int, task types.BatchTask) {
	atomic.AddInt32(&q.active, 1)
	defer atomic.AddInt32(&q.active, -1)
	atomic.AddInt64(&q.total, 1)
	start := time.Now()

	q.setState(Handle(task.BatchID), StateRunning)

	result, err := q.run(task)
	q.finish(task, result, err)

	q.logger.Debug("Batch processed",
		zap.Int("worker_id", workerID),
		zap.String("batch_id", task.BatchID),
		zap.Bool("success", err == nil),
		zap.Duration("latency", time.Since(start)))
}

func (q *LocalQueue) run(task types.BatchTask) (*types.BatchResult, error) {
	return runHandler(q.ctx, q.handler, task)
}

func (q *LocalQueue) setState(h Handle, s State) {
	q.tasksMu.Lock()
	defer q.tasksMu.Unlock()
	if t, ok := q.tasks[h]; ok {
		t.state = s
	}
}

func (q *LocalQueue) finish(task types.BatchTask, result *types.BatchResult, err error) {
	q.tasksMu.Lock()
	t, ok := q.tasks[Handle(task.BatchID)]
	if ok {
		if err != nil {
			t.state, t.err = StateFailed, err
		} else {
			t.state, t.result = StateSucceeded, result
		}
	}
	q.tasksMu.Unlock()

	if err != nil {
		atomic.AddInt64(&q.failed, 1)
		q.metrics.BatchFinished(string(StateFailed))
		q.logger.Warn("Batch failed",
			zap.String("batch_id", task.BatchID),
			zap.Uint64("start_block", task.StartBlock),
			zap.Uint64("end_block", task.EndBlock),
			zap.Error(err))
		return
	}
	atomic.AddInt64(&q.success, 1)
	q.metrics.BatchFinished(string(StateSucceeded))
}
