package coordinator

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

// Partition splits [start, end] into consecutive batches of batchSize blocks.
// The last batch is shortened to end exactly at end. A range needing more
// than maxBatches batches is rejected; 0 selects the default limit. Every
// batch id carries a fresh run id so re-partitioning the same range never
// collides with an earlier run's tasks.
func Partition(start, end, batchSize, maxBatches uint64) ([]types.BatchTask, error) {
	return partition(uuid.NewString(), start, end, batchSize, maxBatches)
}

// PartitionFor is Partition with the entity filled in on every task
func PartitionFor(chainID int64, entity string, start, end, batchSize, maxBatches uint64) ([]types.BatchTask, error) {
	tasks, err := Partition(start, end, batchSize, maxBatches)
	if err != nil {
		return nil, err
	}
	entity = types.NormalizeAddress(entity)
	for i := range tasks {
		tasks[i].ChainID = chainID
		tasks[i].EntityAddress = entity
	}
	return tasks, nil
}

// BatchCount returns ceil((end - start + 1) / batchSize)
func BatchCount(start, end, batchSize uint64) uint64 {
	if batchSize == 0 || start > end {
		return 0
	}
	span := end - start
	return span/batchSize + 1
}

// CheckRange validates a backfill range without building its batches
func CheckRange(start, end, batchSize, maxBatches uint64) error {
	if batchSize == 0 {
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidRange)
	}
	if start > end {
		return fmt.Errorf("%w: start %d is after end %d", ErrInvalidRange, start, end)
	}
	if maxBatches == 0 {
		maxBatches = constants.DefaultMaxBatches
	}
	if (end-start)/batchSize >= maxBatches {
		return fmt.Errorf("%w: blocks %d-%d in batches of %d exceed the limit of %d batches",
			ErrInvalidRange, start, end, batchSize, maxBatches)
	}
	return nil
}

const maxPrealloc = 4096

func partition(runID string, start, end, batchSize, maxBatches uint64) ([]types.BatchTask, error) {
	if err := CheckRange(start, end, batchSize, maxBatches); err != nil {
		return nil, err
	}

	tasks := make([]types.BatchTask, 0, min(BatchCount(start, end, batchSize), maxPrealloc))
	for lo := start; ; {
		hi := end
		if end-lo >= batchSize {
			hi = lo + batchSize - 1
		}
		tasks = append(tasks, types.BatchTask{
			BatchID:    fmt.Sprintf("%s-%d-%d", runID, lo, hi),
			Index:      len(tasks),
			StartBlock: lo,
			EndBlock:   hi,
		})
		if hi == end {
			break
		}
		lo = hi + 1
	}
	return tasks, nil
}
