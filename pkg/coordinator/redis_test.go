package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"github.com/0xmhha/ledger-crawler/internal/testutil"
)

func setupRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q, err := NewRedisQueue(client, nil, testutil.NewTestLogger(t), nil)
	require.NoError(t, err)
	return q, mr
}

func TestRedisQueue_RoundTrip(t *testing.T) {
	q, mr := setupRedisQueue(t)
	ctx := context.Background()

	tasks, err := PartitionFor(testChain, testEntity, 0, 29, 10, 0)
	require.NoError(t, err)

	var handles []Handle
	for _, task := range tasks {
		h, err := q.Submit(ctx, task)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	pending, err := mr.List(constants.DefaultRedisQueueKey)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
	assert.Equal(t, string(StateSubmitted), mr.HGet(constants.DefaultRedisTaskPrefix+tasks[0].BatchID, "state"))

	states, err := q.Poll(ctx, handles)
	require.NoError(t, err)
	assert.Equal(t, []State{StateSubmitted, StateSubmitted, StateSubmitted}, states)

	w, err := NewRedisWorker(q, rangeHandler(2), 1, testutil.NewTestLogger(t))
	require.NoError(t, err)
	for range tasks {
		ok, err := w.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}

	states, err = q.Poll(ctx, handles)
	require.NoError(t, err)
	assert.Equal(t, []State{StateSucceeded, StateSucceeded, StateFailed}, states)

	res, err := q.Result(ctx, handles[0])
	require.NoError(t, err)
	assert.Equal(t, 10, res.TotalCount)
	assert.Equal(t, uint64(9), res.LastBlockNumber)
	require.Len(t, res.Transactions, 10)
	assert.True(t, res.Transactions[0].Value.Equal(testutil.NewTestTransaction(testChain, 0, 0).Value))

	_, err = q.Result(ctx, handles[2])
	assert.ErrorIs(t, err, ErrTaskFailed)
	assert.Contains(t, err.Error(), "upstream rejected batch 2")

	ttl := mr.TTL(constants.DefaultRedisTaskPrefix + tasks[0].BatchID)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisQueue_Unknown(t *testing.T) {
	q, _ := setupRedisQueue(t)
	ctx := context.Background()

	_, err := q.Poll(ctx, []Handle{"missing"})
	assert.ErrorIs(t, err, ErrUnknownTask)
	_, err = q.Result(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestRedisQueue_NothingPending(t *testing.T) {
	q, _ := setupRedisQueue(t)
	w, err := NewRedisWorker(q, rangeHandler(), 1, nil)
	require.NoError(t, err)

	ok, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisWorker_RunWithCoordinator(t *testing.T) {
	q, _ := setupRedisQueue(t)
	w, err := NewRedisWorker(q, rangeHandler(), 2, testutil.NewTestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	c, err := NewCoordinator(q, testutil.NewTestLogger(t))
	require.NoError(t, err)

	tasks, err := PartitionFor(testChain, testEntity, 100, 149, 10, 0)
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	records, res, err := c.Run(waitCtx, tasks, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, res.FailedIndices)
	require.Len(t, records, 50)
	for i := range records {
		assert.Equal(t, uint64(100+i), records[i].BlockNumber)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRedisWorker_UndecodableTask(t *testing.T) {
	q, mr := setupRedisQueue(t)
	ctx := context.Background()

	mr.HSet(constants.DefaultRedisTaskPrefix+"bad", "state", string(StateSubmitted), "task", "{oops")
	_, err := mr.Lpush(constants.DefaultRedisQueueKey, "bad")
	require.NoError(t, err)

	w, err := NewRedisWorker(q, rangeHandler(), 1, nil)
	require.NoError(t, err)
	ok, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	states, err := q.Poll(ctx, []Handle{"bad"})
	require.NoError(t, err)
	assert.Equal(t, []State{StateFailed}, states)
}

func TestNewRedisQueue_Validation(t *testing.T) {
	_, err := NewRedisQueue(nil, nil, nil, nil)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	_, err = NewRedisQueue(client, &RedisConfig{}, nil, nil)
	assert.Error(t, err)

	_, err = NewRedisWorker(nil, rangeHandler(), 1, nil)
	assert.Error(t, err)
}

var (
	_ TaskQueue = (*RedisQueue)(nil)
	_ TaskQueue = (*LocalQueue)(nil)
)
