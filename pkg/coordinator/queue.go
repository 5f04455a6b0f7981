package coordinator

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/0xmhha/ledger-crawler/pkg/types"
)

// pendingQueue is a bounded, thread-safe queue of batch tasks.
// Lower batch indices are dequeued first so workers sweep a range in
// ascending block order; ties keep submission order.
type pendingQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	space    *sync.Cond
	items    taskHeap
	maxSize  int
	closed   bool
	seq      uint64
	enqueued int64
	dequeued int64
	dropped  int64
}

func newPendingQueue(maxSize int) *pendingQueue {
	q := &pendingQueue{
		items:   make(taskHeap, 0),
		maxSize: maxSize,
	}
	q.cond = sync.NewCond(&q.mu)
	q.space = sync.NewCond(&q.mu)
	heap.Init(&q.items)
	return q
}

// Enqueue adds a task, waiting while the queue is full.
// It fails with ErrQueueClosed once the queue closes, and with ErrQueueFull
// wrapping the cause when ctx ends before room frees up.
func (q *pendingQueue) Enqueue(ctx context.Context, task types.BatchTask) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.space.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && q.items.Len() >= q.maxSize {
		if err := ctx.Err(); err != nil {
			q.dropped++
			return fmt.Errorf("%w: %w", ErrQueueFull, err)
		}
		q.space.Wait()
	}
	if q.closed {
		return ErrQueueClosed
	}

	q.seq++
	heap.Push(&q.items, &queuedTask{task: task, seq: q.seq})
	q.enqueued++
	q.cond.Signal()
	return nil
}

// Dequeue blocks until a task is available or the queue is closed
func (q *pendingQueue) Dequeue() (types.BatchTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return types.BatchTask{}, false
	}

	item, ok := heap.Pop(&q.items).(*queuedTask)
	if !ok {
		return types.BatchTask{}, false
	}
	q.dequeued++
	q.space.Signal()
	return item.task, true
}

// Size returns the number of queued tasks
func (q *pendingQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Stats returns queue counters
func (q *pendingQueue) Stats() (enqueued, dequeued, dropped int64, size int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueued, q.dequeued, q.dropped, q.items.Len()
}

// Close wakes every waiting worker and submitter; queued tasks are abandoned
func (q *pendingQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
	q.space.Broadcast()
}

// Drain removes and returns the tasks still queued
func (q *pendingQueue) Drain() []types.BatchTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.BatchTask, 0, q.items.Len())
	for q.items.Len() > 0 {
		if item, ok := heap.Pop(&q.items).(*queuedTask); ok {
			out = append(out, item.task)
		}
	}
	return out
}

type queuedTask struct {
	task types.BatchTask
	seq  uint64
}

// taskHeap implements heap.Interface
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Index != h[j].task.Index {
		return h[i].task.Index < h[j].task.Index
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	item, ok := x.(*queuedTask)
	if !ok {
		return
	}
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return item
}
