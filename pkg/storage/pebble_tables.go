package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/0xmhha/ledger-crawler/pkg/types"
	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// EnsureTable creates the table if it does not exist
func (s *PebbleStorage) EnsureTable(ctx context.Context, table string) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if !ValidTableName(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.get(TableMetaKey(table)); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	data, err := json.Marshal(TableInfo{Name: table, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode table info: %w", err)
	}
	if err := s.db.Set(TableMetaKey(table), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	s.logger.Info("created table", zap.String("table", table))
	return nil
}

// Tables lists every table created by EnsureTable
func (s *PebbleStorage) Tables(ctx context.Context) ([]TableInfo, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	prefix := []byte(prefixTables)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: incrementPrefix(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []TableInfo
	for iter.First(); iter.Valid(); iter.Next() {
		var info TableInfo
		if err := json.Unmarshal(iter.Value(), &info); err != nil {
			return nil, fmt.Errorf("%w: table info %s", ErrCorrupt, iter.Key())
		}
		out = append(out, info)
	}
	return out, nil
}

// Append inserts records without consulting the identity index.
// Appending a record twice stores it twice.
func (s *PebbleStorage) Append(ctx context.Context, table string, records []types.Transaction) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if err := s.requireTable(table); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	seq, err := s.loadSeq(table)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for i := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := &records[i]
		if err := s.writeRow(batch, table, rec, seq); err != nil {
			return err
		}
		seq++
	}

	if err := batch.Set(TableSeqKey(table), EncodeUint64(seq), nil); err != nil {
		return fmt.Errorf("failed to store sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	s.tableSeq[table] = seq

	s.logger.Debug("appended records", zap.String("table", table), zap.Int("count", len(records)))
	return nil
}

// Upsert inserts records or replaces the row with the same identity key.
// Only IdentityJoinKeys are supported.
func (s *PebbleStorage) Upsert(ctx context.Context, table string, records []types.Transaction, joinKeys []string) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if err := s.requireTable(table); err != nil {
		return err
	}
	if !sameKeys(joinKeys, IdentityJoinKeys) {
		return fmt.Errorf("%w: %v", ErrUnsupportedJoinKeys, joinKeys)
	}
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	seq, err := s.loadSeq(table)
	if err != nil {
		return err
	}

	// Indexed so that lookups see rows written earlier in the same call
	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	replaced := 0
	for i := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := &records[i]

		idx := IdentityKey(table, rec.ChainID, rec.BlockNumber, rec.Hash)
		existing, closer, err := batch.Get(idx)
		switch {
		case err == nil:
			oldRow := append([]byte(nil), existing...)
			closer.Close()
			if err := batch.Delete(oldRow, nil); err != nil {
				return fmt.Errorf("failed to delete replaced row: %w", err)
			}
			replaced++
		case errors.Is(err, pebble.ErrNotFound):
		default:
			return fmt.Errorf("failed to read identity index: %w", err)
		}

		if err := s.writeRow(batch, table, rec, seq); err != nil {
			return err
		}
		seq++
	}

	if err := batch.Set(TableSeqKey(table), EncodeUint64(seq), nil); err != nil {
		return fmt.Errorf("failed to store sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	s.tableSeq[table] = seq

	s.logger.Debug("upserted records",
		zap.String("table", table),
		zap.Int("count", len(records)),
		zap.Int("replaced", replaced),
	)
	return nil
}

// Scan returns the records matching filter ordered by block number and
// transaction index. A chain id with a date range only visits the
// matching partitions.
func (s *PebbleStorage) Scan(ctx context.Context, table string, filter Filter) ([]types.Transaction, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	if err := s.requireTable(table); err != nil {
		return nil, err
	}

	lower, upper := scanBounds(table, filter)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	address := types.NormalizeAddress(filter.Address)
	var out []types.Transaction
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var tx types.Transaction
		if err := json.Unmarshal(iter.Value(), &tx); err != nil {
			return nil, fmt.Errorf("%w: row %s", ErrCorrupt, iter.Key())
		}
		if !matches(&tx, filter, address) {
			continue
		}
		out = append(out, tx)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].TransactionIndex < out[j].TransactionIndex
	})
	return out, nil
}

// Count returns the number of rows stored in a table
func (s *PebbleStorage) Count(ctx context.Context, table string) (int64, error) {
	if err := s.requireTable(table); err != nil {
		return 0, err
	}
	return s.CountByPrefix(TableRowsPrefix(table))
}

// DropTable removes a table's rows, index and metadata
func (s *PebbleStorage) DropTable(ctx context.Context, table string) error {
	if err := s.requireTable(table); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.DeleteByPrefix(TablePrefix(table)); err != nil {
		return err
	}
	if err := s.db.Delete(TableMetaKey(table), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete table info: %w", err)
	}
	delete(s.tableSeq, table)
	return nil
}

func (s *PebbleStorage) requireTable(table string) error {
	if !ValidTableName(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	if _, err := s.get(TableMetaKey(table)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("table %s: %w", table, ErrNotFound)
		}
		return err
	}
	return nil
}

// loadSeq returns the next row sequence of a table. Caller holds writeMu.
func (s *PebbleStorage) loadSeq(table string) (uint64, error) {
	if seq, ok := s.tableSeq[table]; ok {
		return seq, nil
	}
	data, err := s.get(TableSeqKey(table))
	if errors.Is(err, ErrNotFound) {
		s.tableSeq[table] = 0
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	seq, err := DecodeUint64(data)
	if err != nil {
		return 0, fmt.Errorf("%w: sequence of %s: %v", ErrCorrupt, table, err)
	}
	s.tableSeq[table] = seq
	return seq, nil
}

func (s *PebbleStorage) writeRow(batch *pebble.Batch, table string, rec *types.Transaction, seq uint64) error {
	if rec.Hash == "" {
		return fmt.Errorf("record at block %d has no hash", rec.BlockNumber)
	}
	date := rec.BlockDate
	if date == "" {
		date = time.Unix(rec.Timestamp, 0).UTC().Format(types.BlockDateLayout)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.Hash, err)
	}
	row := RowKey(table, rec.ChainID, date, seq)
	if err := batch.Set(row, data, nil); err != nil {
		return fmt.Errorf("failed to store row: %w", err)
	}
	if err := batch.Set(IdentityKey(table, rec.ChainID, rec.BlockNumber, rec.Hash), row, nil); err != nil {
		return fmt.Errorf("failed to store identity index: %w", err)
	}
	return nil
}

// scanBounds narrows the iterator to the partitions a filter can match
func scanBounds(table string, f Filter) (lower, upper []byte) {
	if f.ChainID == 0 {
		prefix := TableRowsPrefix(table)
		return prefix, incrementPrefix(prefix)
	}

	chainPrefix := ChainRowsPrefix(table, f.ChainID)
	lower, upper = chainPrefix, incrementPrefix(chainPrefix)
	if f.FromDate != "" {
		lower = PartitionPrefix(table, f.ChainID, f.FromDate)
	}
	if f.ToDate != "" {
		upper = incrementPrefix(PartitionPrefix(table, f.ChainID, f.ToDate))
	}
	if bytes.Compare(lower, upper) > 0 {
		upper = lower
	}
	return lower, upper
}

func matches(tx *types.Transaction, f Filter, address string) bool {
	if f.ChainID != 0 && tx.ChainID != f.ChainID {
		return false
	}
	if f.FromBlock != 0 && tx.BlockNumber < f.FromBlock {
		return false
	}
	if f.ToBlock != 0 && tx.BlockNumber > f.ToBlock {
		return false
	}
	if f.FromDate != "" && tx.BlockDate < f.FromDate {
		return false
	}
	if f.ToDate != "" && tx.BlockDate > f.ToDate {
		return false
	}
	if address != "" && tx.From != address && tx.To != address {
		return false
	}
	return true
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, k := range a {
		seen[strings.ToLower(k)]++
	}
	for _, k := range b {
		if seen[k] == 0 {
			return false
		}
		seen[k]--
	}
	return true
}
