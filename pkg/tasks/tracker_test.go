package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/ledger-crawler/pkg/cache"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

func setupTestTracker(t *testing.T) (*Tracker, *time.Time) {
	t.Helper()
	store := cache.NewMemoryStore(100)
	t.Cleanup(func() { store.Close() })

	tr, err := NewTracker(store, time.Hour, nil, nil)
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func importMeta(limit string) map[string]string {
	return map[string]string{"chain_id": "8453", "contract": "0xabc", "user_limit": limit}
}

// ========== Lifecycle ==========

func TestTracker_CreateAndComplete(t *testing.T) {
	tr, _ := setupTestTracker(t)
	ctx := context.Background()

	created, err := tr.Create(ctx, types.TaskKindImport, importMeta("5"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.TaskID)
	assert.Equal(t, types.TaskRunning, created.Status)

	got, err := tr.Get(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, got.Status, "running is visible before any background work")

	require.NoError(t, tr.SetMessage(ctx, created.TaskID, "page 3"))
	got, err = tr.Get(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "page 3", got.Message)

	done, err := tr.Complete(ctx, created.TaskID, "found 5 addresses", map[string]int{"total": 5})
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	var result map[string]int
	require.NoError(t, json.Unmarshal(done.Result, &result))
	assert.Equal(t, 5, result["total"])

	_, err = tr.Complete(ctx, created.TaskID, "again", nil)
	assert.ErrorIs(t, err, ErrAlreadyFinished)
	assert.ErrorIs(t, tr.SetMessage(ctx, created.TaskID, "late"), ErrAlreadyFinished)
}

func TestTracker_Fail(t *testing.T) {
	tr, _ := setupTestTracker(t)
	ctx := context.Background()

	created, err := tr.Create(ctx, types.TaskKindSync, map[string]string{"entity": "0x1"})
	require.NoError(t, err)

	failed, err := tr.Fail(ctx, created.TaskID, errors.New("upstream forbidden"))
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, failed.Status)
	assert.Equal(t, "upstream forbidden", failed.Error)
	assert.True(t, failed.Terminal())
}

func TestTracker_NotFound(t *testing.T) {
	tr, _ := setupTestTracker(t)
	_, err := tr.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tr.Fail(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTracker_MetadataIsCopied(t *testing.T) {
	tr, _ := setupTestTracker(t)
	meta := importMeta("5")
	created, err := tr.Create(context.Background(), types.TaskKindImport, meta)
	require.NoError(t, err)

	meta["user_limit"] = "999"
	assert.Equal(t, "5", created.Metadata["user_limit"])
}

// ========== Listing ==========

func TestTracker_ListNewestFirst(t *testing.T) {
	tr, now := setupTestTracker(t)
	ctx := context.Background()

	first, err := tr.Create(ctx, types.TaskKindImport, importMeta("1"))
	require.NoError(t, err)
	*now = now.Add(time.Minute)
	second, err := tr.Create(ctx, types.TaskKindImport, importMeta("2"))
	require.NoError(t, err)

	all, err := tr.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.TaskID, all[0].TaskID)
	assert.Equal(t, first.TaskID, all[1].TaskID)
}

// ========== Duplicate detection ==========

func TestTracker_FindActive(t *testing.T) {
	ctx := context.Background()

	t.Run("running with identical metadata", func(t *testing.T) {
		tr, now := setupTestTracker(t)
		running, err := tr.Create(ctx, types.TaskKindImport, importMeta("5"))
		require.NoError(t, err)
		*now = now.Add(10 * time.Minute)

		found, err := tr.FindActive(ctx, types.TaskKindImport, importMeta("5"), 30*time.Second)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, running.TaskID, found.TaskID)
	})

	t.Run("finished within window", func(t *testing.T) {
		tr, now := setupTestTracker(t)
		created, err := tr.Create(ctx, types.TaskKindImport, importMeta("5"))
		require.NoError(t, err)
		_, err = tr.Fail(ctx, created.TaskID, errors.New("boom"))
		require.NoError(t, err)
		*now = now.Add(10 * time.Second)

		found, err := tr.FindActive(ctx, types.TaskKindImport, importMeta("5"), 30*time.Second)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, created.TaskID, found.TaskID)

		*now = now.Add(time.Minute)
		found, err = tr.FindActive(ctx, types.TaskKindImport, importMeta("5"), 30*time.Second)
		require.NoError(t, err)
		assert.Nil(t, found, "outside the window a finished task no longer blocks")
	})

	t.Run("different parameters", func(t *testing.T) {
		tr, _ := setupTestTracker(t)
		_, err := tr.Create(ctx, types.TaskKindImport, importMeta("5"))
		require.NoError(t, err)

		found, err := tr.FindActive(ctx, types.TaskKindImport, importMeta("6"), 30*time.Second)
		require.NoError(t, err)
		assert.Nil(t, found)

		found, err = tr.FindActive(ctx, types.TaskKindSync, importMeta("5"), 30*time.Second)
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

// ========== Redis backend ==========

func TestTracker_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store, err := cache.NewRedisStore(client, nil)
	require.NoError(t, err)

	tr, err := NewTracker(store, time.Hour, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	created, err := tr.Create(ctx, types.TaskKindBackfill, map[string]string{"entity": "0x1"})
	require.NoError(t, err)
	assert.Greater(t, mr.TTL(cache.TaskStatusKey(created.TaskID)), time.Duration(0))

	all, err := tr.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, created.TaskID, all[0].TaskID)

	mr.FastForward(2 * time.Hour)
	_, err = tr.Get(ctx, created.TaskID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewTracker_Validation(t *testing.T) {
	_, err := NewTracker(nil, 0, nil, nil)
	assert.Error(t, err)

	tr, err := NewTracker(cache.NewMemoryStore(1), 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, tr.ttl)
}
