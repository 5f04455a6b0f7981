package coordinator

import (
	"context"
	"fmt"

	"github.com/0xmhha/ledger-crawler/pkg/fetch"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

// NewFetchHandler returns a BatchHandler that walks the task's block range.
// A walk that does not complete fails the task, so a partial batch is never
// reported as covering its range.
func NewFetchHandler(f *fetch.Fetcher) BatchHandler {
	return func(ctx context.Context, task types.BatchTask) (*types.BatchResult, error) {
		end := task.EndBlock
		res := f.Walk(ctx, fetch.WalkRequest{
			Entity:     task.EntityAddress,
			ChainID:    task.ChainID,
			StartBlock: task.StartBlock,
			EndBlock:   &end,
		})
		if !res.Complete {
			return nil, fmt.Errorf("batch %d-%d incomplete after %d records: %w",
				task.StartBlock, task.EndBlock, len(res.Records), res.Err)
		}
		return &types.BatchResult{
			Transactions:    res.Records,
			LastBlockNumber: res.HighestBlock,
			TotalCount:      len(res.Records),
		}, nil
	}
}
