package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/0xmhha/ledger-crawler/internal/testutil"
	"github.com/0xmhha/ledger-crawler/pkg/types"
	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = "transactions"

// setupTestStorage creates a temporary PebbleDB storage for testing
func setupTestStorage(t *testing.T) *PebbleStorage {
	t.Helper()
	s, err := NewPebbleStorage(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func setupTestTable(t *testing.T) *PebbleStorage {
	t.Helper()
	s := setupTestStorage(t)
	require.NoError(t, s.EnsureTable(context.Background(), testTable))
	return s
}

// ========== Config ==========

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig("/tmp/x").Validate())
	assert.Error(t, DefaultConfig("").Validate())

	cfg := DefaultConfig("/tmp/x")
	cfg.CompactionConcurrency = 0
	assert.Error(t, cfg.Validate())

	_, err := NewPebbleStorage(nil)
	assert.Error(t, err)
}

// ========== Tables ==========

func TestEnsureTable(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureTable(ctx, testTable))
	require.NoError(t, s.EnsureTable(ctx, testTable), "idempotent")

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, testTable, tables[0].Name)

	assert.ErrorIs(t, s.EnsureTable(ctx, "Bad-Name"), ErrInvalidTable)
	assert.ErrorIs(t, s.Append(ctx, "missing", testutil.NewTestTransactions(1, 1, 1, 1)), ErrNotFound)
}

func TestAppend_DuplicatesRows(t *testing.T) {
	s := setupTestTable(t)
	ctx := context.Background()
	records := testutil.NewTestTransactions(8453, 100, 104, 2)

	require.NoError(t, s.Append(ctx, testTable, records))
	require.NoError(t, s.Append(ctx, testTable, records))

	count, err := s.Count(ctx, testTable)
	require.NoError(t, err)
	assert.Equal(t, int64(20), count, "blind append stores every delivery")
}

func TestUpsert_Idempotent(t *testing.T) {
	s := setupTestTable(t)
	ctx := context.Background()
	records := testutil.NewTestTransactions(8453, 100, 104, 2)

	require.NoError(t, s.Upsert(ctx, testTable, records, IdentityJoinKeys))
	require.NoError(t, s.Upsert(ctx, testTable, records, IdentityJoinKeys))

	count, err := s.Count(ctx, testTable)
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)

	got, err := s.Scan(ctx, testTable, Filter{ChainID: 8453})
	require.NoError(t, err)
	require.Len(t, got, 10)
	seen := make(map[types.TxKey]bool)
	for i := range got {
		assert.False(t, seen[got[i].Key()], "duplicate identity key %s", got[i].Key())
		seen[got[i].Key()] = true
	}
}

func TestUpsert_ReplacesAppendedRow(t *testing.T) {
	s := setupTestTable(t)
	ctx := context.Background()
	records := testutil.NewTestTransactions(8453, 1, 3, 1)
	require.NoError(t, s.Append(ctx, testTable, records))

	updated := make([]types.Transaction, len(records))
	copy(updated, records)
	updated[0].FunctionName = "mint()"
	require.NoError(t, s.Upsert(ctx, testTable, updated[:1], IdentityJoinKeys))

	got, err := s.Scan(ctx, testTable, Filter{ChainID: 8453})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "mint()", got[0].FunctionName)
}

func TestUpsert_DuplicatesWithinCall(t *testing.T) {
	s := setupTestTable(t)
	ctx := context.Background()
	tx := testutil.NewTestTransaction(8453, 7, 0)

	require.NoError(t, s.Upsert(ctx, testTable, []types.Transaction{tx, tx, tx}, IdentityJoinKeys))
	count, err := s.Count(ctx, testTable)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestUpsert_UnsupportedJoinKeys(t *testing.T) {
	s := setupTestTable(t)
	err := s.Upsert(context.Background(), testTable, testutil.NewTestTransactions(1, 1, 1, 1), []string{"hash"})
	assert.ErrorIs(t, err, ErrUnsupportedJoinKeys)

	// order of join keys does not matter
	err = s.Upsert(context.Background(), testTable, testutil.NewTestTransactions(1, 1, 1, 1),
		[]string{"hash", "chain_id", "block_number"})
	assert.NoError(t, err)
}

func TestScan_Filters(t *testing.T) {
	s := setupTestTable(t)
	ctx := context.Background()

	// block 0..3 fall on 2024-01-01, 50000.. on 2024-01-02, 100000 on 2024-01-03
	var records []types.Transaction
	records = append(records, testutil.NewTestTransactions(8453, 1, 3, 1)...)
	records = append(records, testutil.NewTestTransactions(8453, 50000, 50002, 1)...)
	records = append(records, testutil.NewTestTransactions(8453, 100000, 100000, 1)...)
	records = append(records, testutil.NewTestTransactions(1, 2, 2, 1)...)
	require.NoError(t, s.Append(ctx, testTable, records))

	all, err := s.Scan(ctx, testTable, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 8)

	chain, err := s.Scan(ctx, testTable, Filter{ChainID: 8453})
	require.NoError(t, err)
	require.Len(t, chain, 7)
	for i := 1; i < len(chain); i++ {
		assert.LessOrEqual(t, chain[i-1].BlockNumber, chain[i].BlockNumber)
	}

	day2, err := s.Scan(ctx, testTable, Filter{ChainID: 8453, FromDate: "2024-01-02", ToDate: "2024-01-02"})
	require.NoError(t, err)
	require.Len(t, day2, 3)
	assert.Equal(t, uint64(50000), day2[0].BlockNumber)

	fromDay2, err := s.Scan(ctx, testTable, Filter{ChainID: 8453, FromDate: "2024-01-02"})
	require.NoError(t, err)
	assert.Len(t, fromDay2, 4)

	blocks, err := s.Scan(ctx, testTable, Filter{ChainID: 8453, FromBlock: 2, ToBlock: 50001})
	require.NoError(t, err)
	assert.Len(t, blocks, 4)

	byAddr, err := s.Scan(ctx, testTable, Filter{ChainID: 8453, Address: records[0].From})
	require.NoError(t, err)
	assert.Len(t, byAddr, 7, "every first transaction of a block shares a sender")

	byAddr, err = s.Scan(ctx, testTable, Filter{ChainID: 8453, Address: testutil.Address(999)})
	require.NoError(t, err)
	assert.Empty(t, byAddr)

	empty, err := s.Scan(ctx, testTable, Filter{ChainID: 8453, FromDate: "2024-02-01", ToDate: "2024-01-01"})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSequence_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	records := testutil.NewTestTransactions(8453, 1, 2, 1)

	s, err := NewPebbleStorage(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, s.EnsureTable(ctx, testTable))
	require.NoError(t, s.Append(ctx, testTable, records))
	require.NoError(t, s.Close())

	s, err = NewPebbleStorage(DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Append(ctx, testTable, records))

	count, err := s.Count(ctx, testTable)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count, "reopened store must not reuse row sequences")
}

func TestDropTable(t *testing.T) {
	s := setupTestTable(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, testTable, testutil.NewTestTransactions(1, 1, 5, 1)))

	require.NoError(t, s.DropTable(ctx, testTable))
	_, err := s.Count(ctx, testTable)
	assert.ErrorIs(t, err, ErrNotFound)
}

// ========== Checkpoints ==========

func TestPebbleCheckpoints(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	entity := "0xABCDEF0000000000000000000000000000000001"

	_, err := s.GetCheckpoint(ctx, 8453, entity)
	assert.ErrorIs(t, err, ErrNotFound)

	cp := &types.Checkpoint{ChainID: 8453, EntityAddress: entity, StartBlock: 500, EndBlock: 1000, UpdatedAt: time.Now().UTC()}
	require.NoError(t, s.PutCheckpoint(ctx, cp))

	got, err := s.GetCheckpoint(ctx, 8453, entity)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), got.StartBlock)
	assert.Equal(t, uint64(1000), got.EndBlock)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", got.EntityAddress)

	cp.EndBlock = 2000
	require.NoError(t, s.PutCheckpoint(ctx, cp))
	got, err = s.GetCheckpoint(ctx, 8453, entity)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), got.EndBlock)

	_, err = s.GetCheckpoint(ctx, 1, entity)
	assert.ErrorIs(t, err, ErrNotFound, "checkpoints are per chain")
}

func TestPebbleCheckpoints_Corrupt(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.db.Set(CheckpointKey(8453, "0xaa"), []byte("{not json"), pebble.Sync))
	_, err := s.GetCheckpoint(ctx, 8453, "0xaa")
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, s.db.Set(CheckpointKey(8453, "0xbb"), []byte(`{"start_block":10,"end_block":5}`), pebble.Sync))
	_, err = s.GetCheckpoint(ctx, 8453, "0xbb")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestClosedStorage(t *testing.T) {
	s, err := NewPebbleStorage(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close is a no-op")

	ctx := context.Background()
	assert.True(t, errors.Is(s.EnsureTable(ctx, testTable), ErrClosed))
	_, err = s.GetCheckpoint(ctx, 1, "0xaa")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.PutCheckpoint(ctx, &types.Checkpoint{}), ErrClosed)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "/tbl/transactions/rows/8453/2024-01-02/00000000000000000042",
		string(RowKey("transactions", 8453, "2024-01-02", 42)))
	assert.Equal(t, "/tbl/transactions/idx/8453/00000000000000000007/0xab",
		string(IdentityKey("transactions", 8453, 7, "0xAB")))
	assert.Equal(t, "/meta/checkpoint/8453/0xab", string(CheckpointKey(8453, "0xAB")))

	n, err := DecodeUint64(EncodeUint64(99))
	require.NoError(t, err)
	assert.Equal(t, uint64(99), n)
	_, err = DecodeUint64([]byte{1})
	assert.Error(t, err)
}
