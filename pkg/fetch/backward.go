package fetch

import (
	"context"
	"fmt"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"github.com/0xmhha/ledger-crawler/internal/logger"
	"github.com/0xmhha/ledger-crawler/pkg/client"
	"github.com/0xmhha/ledger-crawler/pkg/types"
	"go.uber.org/zap"
)

// StopReason says why a backward walk ended
type StopReason string

const (
	// StopVisitor means the visitor asked to stop
	StopVisitor StopReason = "visitor"
	// StopExhausted means an undersized page ended the history
	StopExhausted StopReason = "exhausted"
	// StopMaxPages means the page bound was hit
	StopMaxPages StopReason = "max_pages"
	// StopFloor means the walk reached the genesis floor
	StopFloor StopReason = "floor"
)

// PageVisitor receives each page of new records, newest first.
// Returning stop=true ends the walk.
type PageVisitor func(page []types.Transaction) (stop bool, err error)

// BackwardRequest describes a walk from the latest block toward genesis
type BackwardRequest struct {
	Entity   string
	ChainID  int64
	PageSize int
	MaxPages int
	// Floor ends the walk once a page reaches a block at or below it
	Floor uint64
}

// BackwardResult summarizes a backward walk
type BackwardResult struct {
	Pages      int
	Duplicates int
	Reason     StopReason
}

// WalkBackward pages descending from the latest block.
// The next window ends at the last block of the previous page, inclusive, so
// records of a block split across pages are not lost; records already
// delivered are filtered before visit sees them. Any fetch error aborts
// the walk.
func (f *Fetcher) WalkBackward(ctx context.Context, req BackwardRequest, visit PageVisitor) (*BackwardResult, error) {
	if visit == nil {
		return nil, fmt.Errorf("visitor cannot be nil")
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = constants.DefaultImportPageSize
	}
	if pageSize > constants.MaxPageSize {
		pageSize = constants.MaxPageSize
	}

	log := logger.WithEntity(f.logger, req.ChainID, req.Entity)
	dedup := NewBoundaryDeduper()
	res := &BackwardResult{}
	var end *uint64

	for {
		if req.MaxPages > 0 && res.Pages >= req.MaxPages {
			res.Reason = StopMaxPages
			break
		}

		page, err := f.client.Fetch(ctx, client.FetchRequest{
			Entity:   req.Entity,
			ChainID:  req.ChainID,
			EndBlock: end,
			PageSize: pageSize,
			Sort:     types.SortDesc,
		})
		if err != nil {
			return res, fmt.Errorf("backward page %d: %w", res.Pages+1, err)
		}
		res.Pages++
		f.metrics.IncPage("backward")

		fresh, dropped := dedup.Filter(page.Transactions)
		res.Duplicates += dropped
		f.metrics.AddDuplicates(dropped)

		if len(fresh) > 0 {
			stop, err := visit(fresh)
			if err != nil {
				return res, err
			}
			if stop {
				res.Reason = StopVisitor
				break
			}
		}

		if len(page.Transactions) < pageSize {
			res.Reason = StopExhausted
			break
		}

		first := page.Transactions[0].BlockNumber
		last, _ := page.LastBlock()
		if last <= req.Floor {
			res.Reason = StopFloor
			break
		}
		if first == last {
			return res, fmt.Errorf("%w: block %d fills a page of %d", ErrStalledPage, last, pageSize)
		}
		next := last
		end = &next
		dedup.Slide(0, last)

		if err := sleep(ctx, f.config.InterPageDelay); err != nil {
			return res, err
		}
	}

	log.Debug("backward walk finished",
		zap.String("reason", string(res.Reason)),
		zap.Int("pages", res.Pages),
		zap.Int("duplicates", res.Duplicates),
	)
	return res, nil
}
