package coordinator

import (
	"context"
	"errors"

	"github.com/0xmhha/ledger-crawler/pkg/types"
)

var (
	// ErrInvalidRange is returned by Partition for an empty range, a zero
	// batch size or a range needing too many batches
	ErrInvalidRange = errors.New("invalid block range")

	// ErrQueueFull is returned when the local queue stays full until the
	// submitting context ends
	ErrQueueFull = errors.New("task queue is full")

	// ErrQueueClosed is returned after the queue has been stopped
	ErrQueueClosed = errors.New("task queue is closed")

	// ErrUnknownTask is returned for a handle the queue never issued
	ErrUnknownTask = errors.New("unknown task")

	// ErrTaskFailed wraps the failure reported by a worker
	ErrTaskFailed = errors.New("batch task failed")

	// ErrNotFinished is returned by Result before the task is terminal
	ErrNotFinished = errors.New("batch task not finished")
)

// State is the lifecycle state of one batch task.
// A task moves submitted -> running -> succeeded or failed and never back.
type State string

const (
	StateSubmitted State = "submitted"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Handle identifies a submitted task; it is the task's BatchID
type Handle string

// TaskQueue runs batch tasks asynchronously, possibly in other processes
type TaskQueue interface {
	// Submit enqueues a task and returns its handle
	Submit(ctx context.Context, task types.BatchTask) (Handle, error)

	// Poll returns the state of each handle, in order
	Poll(ctx context.Context, handles []Handle) ([]State, error)

	// Result returns the output of a succeeded task.
	// A failed task returns an error wrapping ErrTaskFailed.
	Result(ctx context.Context, h Handle) (*types.BatchResult, error)
}

// BatchHandler executes one batch task
type BatchHandler func(ctx context.Context, task types.BatchTask) (*types.BatchResult, error)
