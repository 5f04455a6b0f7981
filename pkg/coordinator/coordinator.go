package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"github.com/0xmhha/ledger-crawler/internal/logger"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

// Coordinator fans a large block range out over a TaskQueue and gathers
// the results. It never retries a batch: a failed range is reported and
// left for a later run to re-cover.
type Coordinator struct {
	queue  TaskQueue
	logger *zap.Logger
}

// NewCoordinator creates a coordinator over queue
func NewCoordinator(queue TaskQueue, log *zap.Logger) (*Coordinator, error) {
	if queue == nil {
		return nil, fmt.Errorf("task queue cannot be nil")
	}
	return &Coordinator{
		queue:  queue,
		logger: logger.WithComponent(log, "coordinator"),
	}, nil
}

// Group is the handle of a dispatched set of tasks, in submission order
type Group struct {
	Tasks   []types.BatchTask
	Handles []Handle
}

// BlockRange is an inclusive range of blocks
type BlockRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// FailedBatch describes a batch whose range is missing from the aggregate
type FailedBatch struct {
	Index   int        `json:"index"`
	BatchID string     `json:"batch_id"`
	Range   BlockRange `json:"range"`
	Error   string     `json:"error"`
}

// AwaitResult holds the outcome of a group once every task is terminal
type AwaitResult struct {
	// Results are the successful batches in submission order
	Results []*types.BatchResult
	// SucceededIndices are the task indices behind Results
	SucceededIndices []int
	// FailedIndices are the indices of failed tasks
	FailedIndices []int
	// Failed describes each failed task
	Failed []FailedBatch
}

// FailedRanges returns the block ranges of the failed batches
func (r *AwaitResult) FailedRanges() []BlockRange {
	out := make([]BlockRange, len(r.Failed))
	for i, f := range r.Failed {
		out[i] = f.Range
	}
	return out
}

// Dispatch submits every task and returns the group handle. A full queue
// holds dispatch back until it drains. A submission error stops dispatch;
// tasks already submitted keep running.
func (c *Coordinator) Dispatch(ctx context.Context, tasks []types.BatchTask) (*Group, error) {
	g := &Group{
		Tasks:   make([]types.BatchTask, 0, len(tasks)),
		Handles: make([]Handle, 0, len(tasks)),
	}
	for _, task := range tasks {
		h, err := c.queue.Submit(ctx, task)
		if err != nil {
			return g, fmt.Errorf("failed to submit batch %d (%d-%d): %w",
				task.Index, task.StartBlock, task.EndBlock, err)
		}
		g.Tasks = append(g.Tasks, task)
		g.Handles = append(g.Handles, h)
	}

	c.logger.Info("batches dispatched", zap.Int("batches", len(g.Handles)))
	return g, nil
}

// Await polls the queue every pollInterval until every task of the group is
// terminal, then collects results. Only ctx bounds how long it waits.
func (c *Coordinator) Await(ctx context.Context, g *Group, pollInterval time.Duration) (*AwaitResult, error) {
	if g == nil {
		return nil, fmt.Errorf("group cannot be nil")
	}
	if pollInterval <= 0 {
		pollInterval = constants.DefaultPollInterval
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var states []State
	lastCompleted := -1
	for {
		var err error
		states, err = c.queue.Poll(ctx, g.Handles)
		if err != nil {
			return nil, fmt.Errorf("failed to poll batches: %w", err)
		}

		completed, succeeded, failed := tally(states)
		if completed != lastCompleted {
			c.logger.Info("batch progress",
				zap.Int("completed", completed),
				zap.Int("succeeded", succeeded),
				zap.Int("failed", failed),
				zap.Int("total", len(states)),
			)
			lastCompleted = completed
		}
		if completed == len(states) {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	res := &AwaitResult{}
	for i, h := range g.Handles {
		task := g.Tasks[i]
		if states[i] == StateSucceeded {
			result, err := c.queue.Result(ctx, h)
			if err == nil {
				res.Results = append(res.Results, result)
				res.SucceededIndices = append(res.SucceededIndices, task.Index)
				continue
			}
			c.logger.Warn("succeeded batch has no readable result",
				zap.String("batch_id", task.BatchID), zap.Error(err))
			res.addFailure(task, err.Error())
			continue
		}

		reason := "failed"
		if _, err := c.queue.Result(ctx, h); err != nil {
			reason = err.Error()
		}
		res.addFailure(task, reason)
	}

	if len(res.Failed) > 0 {
		c.logger.Warn("batches failed; their ranges are missing from the aggregate",
			zap.Ints("failed_indices", res.FailedIndices),
			zap.Any("failed_ranges", res.FailedRanges()),
		)
	}
	return res, nil
}

func (r *AwaitResult) addFailure(task types.BatchTask, reason string) {
	r.FailedIndices = append(r.FailedIndices, task.Index)
	r.Failed = append(r.Failed, FailedBatch{
		Index:   task.Index,
		BatchID: task.BatchID,
		Range:   BlockRange{Start: task.StartBlock, End: task.EndBlock},
		Error:   reason,
	})
}

func tally(states []State) (completed, succeeded, failed int) {
	for _, s := range states {
		switch s {
		case StateSucceeded:
			succeeded++
		case StateFailed:
			failed++
		}
	}
	return succeeded + failed, succeeded, failed
}

// Aggregate concatenates batch records in the order given. Batches from
// Await come in submission order, which is ascending by block, so the
// aggregate needs no sort.
func Aggregate(results []*types.BatchResult) ([]types.Transaction, int) {
	n := 0
	for _, r := range results {
		if r != nil {
			n += len(r.Transactions)
		}
	}
	out := make([]types.Transaction, 0, n)
	for _, r := range results {
		if r != nil {
			out = append(out, r.Transactions...)
		}
	}
	return out, n
}

// Run partitions, dispatches, awaits and aggregates in one call
func (c *Coordinator) Run(ctx context.Context, tasks []types.BatchTask, pollInterval time.Duration) ([]types.Transaction, *AwaitResult, error) {
	g, err := c.Dispatch(ctx, tasks)
	if err != nil {
		return nil, nil, err
	}
	res, err := c.Await(ctx, g, pollInterval)
	if err != nil {
		return nil, nil, err
	}
	records, _ := Aggregate(res.Results)
	return records, res, nil
}
