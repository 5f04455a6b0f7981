package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/0xmhha/ledger-crawler/internal/testutil"
	"github.com/0xmhha/ledger-crawler/pkg/client"
	"github.com/0xmhha/ledger-crawler/pkg/storage"
	"github.com/0xmhha/ledger-crawler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testChain  int64 = 8453
	testEntity       = "0x00000000000000000000000000000000000beef1"
	testTable        = "transactions"
)

func setupTestManager(t *testing.T) (*Manager, *storage.PebbleStorage) {
	t.Helper()
	s, err := storage.NewPebbleStorage(storage.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureTable(context.Background(), testTable))

	m, err := NewManager(&Config{Store: s, Tables: s, Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)
	return m, s
}

func u64(n uint64) *uint64 { return &n }

type failingStore struct {
	storage.CheckpointStore
}

func (failingStore) GetCheckpoint(context.Context, int64, string) (*types.Checkpoint, error) {
	return nil, errors.New("connection refused")
}

type stubResolver struct {
	block uint64
	err   error
	got   time.Time
}

func (r *stubResolver) BlockByTimestamp(_ context.Context, _ int64, ts time.Time, _ string) (uint64, error) {
	r.got = ts
	return r.block, r.err
}

// ========== Update ==========

func TestUpdate_FirstCheckpoint(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	cp, err := m.Update(ctx, testChain, testEntity, u64(500), 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), cp.StartBlock)
	assert.Equal(t, uint64(1000), cp.EndBlock)

	start, end, found, err := m.Get(ctx, testChain, testEntity)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(500), start)
	assert.Equal(t, uint64(1000), end)
}

func TestUpdate_UnknownStartDefaultsToZero(t *testing.T) {
	m, _ := setupTestManager(t)

	cp, err := m.Update(context.Background(), testChain, testEntity, nil, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cp.StartBlock)
}

func TestUpdate_Merges(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	_, err := m.Update(ctx, testChain, testEntity, u64(500), 1000)
	require.NoError(t, err)
	cp, err := m.Update(ctx, testChain, testEntity, u64(200), 1500)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), cp.StartBlock)
	assert.Equal(t, uint64(1500), cp.EndBlock)

	// a range inside the covered one never shrinks it
	cp, err = m.Update(ctx, testChain, testEntity, u64(700), 900)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), cp.StartBlock)
	assert.Equal(t, uint64(1500), cp.EndBlock)

	cp, err = m.Update(ctx, testChain, testEntity, nil, 1600)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), cp.StartBlock)
	assert.Equal(t, uint64(1600), cp.EndBlock)
}

func TestUpdate_EntityCaseInsensitive(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	_, err := m.Update(ctx, testChain, "0x00000000000000000000000000000000000BEEF1", u64(1), 10)
	require.NoError(t, err)
	_, end, found, err := m.Get(ctx, testChain, testEntity)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(10), end)
}

func TestUpdate_ReplacesCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.NewPebbleStorage(storage.DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	m, err := NewManager(&Config{Store: corruptStore{s}, Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)

	cp, err := m.Update(context.Background(), testChain, testEntity, u64(50), 60)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), cp.StartBlock)
	assert.Equal(t, uint64(60), cp.EndBlock)
}

type corruptStore struct {
	*storage.PebbleStorage
}

func (corruptStore) GetCheckpoint(context.Context, int64, string) (*types.Checkpoint, error) {
	return nil, storage.ErrCorrupt
}

// ========== Overlaps ==========

func TestOverlaps(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	ok, err := m.Overlaps(ctx, testChain, testEntity, 0, 100)
	require.NoError(t, err)
	assert.False(t, ok, "no checkpoint means no overlap")

	_, err = m.Update(ctx, testChain, testEntity, u64(1000), 5000)
	require.NoError(t, err)

	tests := []struct {
		name       string
		start, end uint64
		want       bool
	}{
		{"partial overlap", 4000, 6000, true},
		{"disjoint after", 6000, 7000, false},
		{"disjoint before", 0, 999, false},
		{"touching start", 0, 1000, true},
		{"touching end", 5000, 5001, true},
		{"inside", 2000, 3000, true},
		{"covering", 0, 9000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Overlaps(ctx, testChain, testEntity, tt.start, tt.end)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOverlaps_FailSafe(t *testing.T) {
	m, err := NewManager(&Config{Store: corruptStore{}})
	require.NoError(t, err)
	ok, err := m.Overlaps(context.Background(), testChain, testEntity, 1, 2)
	require.NoError(t, err)
	assert.True(t, ok, "unparseable checkpoint counts as overlapping")
	assert.Equal(t, StrategyUpsert, m.Strategy(context.Background(), testChain, testEntity, 1, 2))

	m, err = NewManager(&Config{Store: failingStore{}})
	require.NoError(t, err)
	ok, err = m.Overlaps(context.Background(), testChain, testEntity, 1, 2)
	assert.Error(t, err)
	assert.True(t, ok)
	assert.Equal(t, StrategyUpsert, m.Strategy(context.Background(), testChain, testEntity, 1, 2))
}

// ========== Persist ==========

func TestPersist_StrategySelection(t *testing.T) {
	m, s := setupTestManager(t)
	ctx := context.Background()

	first := testutil.NewTestTransactions(testChain, 100, 109, 1)
	res, err := m.Persist(ctx, testChain, testEntity, testTable, first)
	require.NoError(t, err)
	assert.Equal(t, StrategyAppend, res.Strategy, "first write has nothing to collide with")
	assert.Equal(t, 10, res.Written)
	assert.Equal(t, uint64(100), res.Checkpoint.StartBlock)
	assert.Equal(t, uint64(109), res.Checkpoint.EndBlock)

	// refetch of an overlapping range must not duplicate rows
	overlap := testutil.NewTestTransactions(testChain, 105, 114, 1)
	res, err = m.Persist(ctx, testChain, testEntity, testTable, overlap)
	require.NoError(t, err)
	assert.Equal(t, StrategyUpsert, res.Strategy)
	assert.Equal(t, uint64(114), res.Checkpoint.EndBlock)

	count, err := s.Count(ctx, testTable)
	require.NoError(t, err)
	assert.Equal(t, int64(15), count)

	disjoint := testutil.NewTestTransactions(testChain, 200, 204, 1)
	res, err = m.Persist(ctx, testChain, testEntity, testTable, disjoint)
	require.NoError(t, err)
	assert.Equal(t, StrategyAppend, res.Strategy)
	assert.Equal(t, uint64(100), res.Checkpoint.StartBlock)
	assert.Equal(t, uint64(204), res.Checkpoint.EndBlock)
}

func TestPersist_Empty(t *testing.T) {
	m, s := setupTestManager(t)
	ctx := context.Background()

	res, err := m.Persist(ctx, testChain, testEntity, testTable, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyNone, res.Strategy)

	_, _, found, err := m.Get(ctx, testChain, testEntity)
	require.NoError(t, err)
	assert.False(t, found, "empty persist leaves no checkpoint")

	count, err := s.Count(ctx, testTable)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPersist_MissingTable(t *testing.T) {
	m, _ := setupTestManager(t)
	_, err := m.Persist(context.Background(), testChain, testEntity, "nope",
		testutil.NewTestTransactions(testChain, 1, 1, 1))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, _, found, err := m.Get(context.Background(), testChain, testEntity)
	require.NoError(t, err)
	assert.False(t, found, "checkpoint only advances after a successful write")
}

func TestWrite_LeavesCheckpoint(t *testing.T) {
	m, s := setupTestManager(t)
	ctx := context.Background()

	res, err := m.Write(ctx, testChain, testEntity, testTable, testutil.NewTestTransactions(testChain, 10, 12, 2))
	require.NoError(t, err)
	assert.Equal(t, StrategyAppend, res.Strategy)
	assert.Equal(t, 6, res.Written)
	assert.Equal(t, uint64(10), res.StartBlock)
	assert.Equal(t, uint64(12), res.EndBlock)
	assert.Nil(t, res.Checkpoint)

	_, _, found, err := m.Get(ctx, testChain, testEntity)
	require.NoError(t, err)
	assert.False(t, found)

	count, err := s.Count(ctx, testTable)
	require.NoError(t, err)
	assert.Equal(t, int64(6), count)
}

func TestCovers(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()
	assert.False(t, m.Covers(ctx, testChain, testEntity, 1, 2), "no checkpoint covers nothing")

	_, err := m.Update(ctx, testChain, testEntity, u64(100), 200)
	require.NoError(t, err)

	assert.True(t, m.Covers(ctx, testChain, testEntity, 100, 200))
	assert.True(t, m.Covers(ctx, testChain, testEntity, 150, 160))
	assert.False(t, m.Covers(ctx, testChain, testEntity, 99, 150))
	assert.False(t, m.Covers(ctx, testChain, testEntity, 150, 201))
}

func TestExtends(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()
	assert.True(t, m.Extends(ctx, testChain, testEntity, 5000, 6000), "any range starts a checkpoint")

	_, err := m.Update(ctx, testChain, testEntity, u64(100), 200)
	require.NoError(t, err)

	assert.True(t, m.Extends(ctx, testChain, testEntity, 150, 300))
	assert.True(t, m.Extends(ctx, testChain, testEntity, 201, 300), "abutting the end")
	assert.True(t, m.Extends(ctx, testChain, testEntity, 50, 99), "abutting the start")
	assert.False(t, m.Extends(ctx, testChain, testEntity, 202, 300))
	assert.False(t, m.Extends(ctx, testChain, testEntity, 10, 98))

	failing, err := NewManager(&Config{Store: failingStore{}})
	require.NoError(t, err)
	assert.False(t, failing.Extends(ctx, testChain, testEntity, 1, 2))
}

// ========== Lock ==========

func TestLock_SerializesEntity(t *testing.T) {
	m, _ := setupTestManager(t)

	unlock := m.Lock(testChain, testEntity)

	acquired := make(chan struct{})
	go func() {
		release := m.Lock(testChain, "0x00000000000000000000000000000000000BEEF1")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("same entity acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	other := m.Lock(testChain+1, testEntity)
	other()

	unlock()
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not released")
	}
	assert.Empty(t, m.locks.held)
}

func TestPersist_ConcurrentWriters(t *testing.T) {
	m, s := setupTestManager(t)
	ctx := context.Background()
	records := testutil.NewTestTransactions(testChain, 1, 10, 2)

	const writers = 8
	strategies := make([]WriteStrategy, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Persist(ctx, testChain, testEntity, testTable, records)
			if assert.NoError(t, err) {
				strategies[i] = res.Strategy
			}
		}(i)
	}
	wg.Wait()

	appends := 0
	for _, st := range strategies {
		if st == StrategyAppend {
			appends++
		}
	}
	assert.Equal(t, 1, appends, "only the first writer sees a disjoint range")

	count, err := s.Count(ctx, testTable)
	require.NoError(t, err)
	assert.Equal(t, int64(20), count)
}

// ========== HistoricalStartBlock ==========

func TestHistoricalStartBlock(t *testing.T) {
	r := &stubResolver{block: 4242}
	m, err := NewManager(&Config{Store: failingStore{}, Resolver: r})
	require.NoError(t, err)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	assert.Equal(t, uint64(4242), m.HistoricalStartBlock(context.Background(), testChain, 24*time.Hour))
	assert.Equal(t, now.Add(-24*time.Hour), r.got)

	r.err = errors.New("upstream down")
	assert.Equal(t, uint64(0), m.HistoricalStartBlock(context.Background(), testChain, time.Hour))

	assert.Equal(t, uint64(0), m.HistoricalStartBlock(context.Background(), testChain, 0))
}

func TestHistoricalStartBlock_Client(t *testing.T) {
	ledger := testutil.NewFakeLedger(t)
	cfg := client.DefaultConfig()
	cfg.BaseURL = ledger.URL()
	cfg.MaxRetries = 0
	cfg.RequestsPerSecond = 1000
	c, err := client.NewClient(cfg)
	require.NoError(t, err)

	m, err := NewManager(&Config{Store: failingStore{}, Resolver: c})
	require.NoError(t, err)
	m.now = func() time.Time { return testutil.BlockTime(1000) }

	got := m.HistoricalStartBlock(context.Background(), testChain, 10*testutil.BlockSpacing)
	assert.Equal(t, uint64(990), got)
}

// ========== ParseLookback ==========

func TestParseLookback(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"24h", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"1m", 30 * 24 * time.Hour, false},
		{" 3D ", 3 * 24 * time.Hour, false},
		{"", 0, true},
		{"d", 0, true},
		{"0d", 0, true},
		{"-1d", 0, true},
		{"5y", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLookback(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(nil)
	assert.Error(t, err)
	_, err = NewManager(&Config{})
	assert.Error(t, err)
}
