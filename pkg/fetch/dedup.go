package fetch

import "github.com/0xmhha/ledger-crawler/pkg/types"

// BoundaryDeduper drops records already delivered by an earlier page of the
// same walk. It only remembers keys for blocks the next window can still
// return; Slide evicts everything outside it.
type BoundaryDeduper struct {
	seen map[types.TxKey]struct{}
}

// NewBoundaryDeduper creates an empty deduper
func NewBoundaryDeduper() *BoundaryDeduper {
	return &BoundaryDeduper{seen: make(map[types.TxKey]struct{})}
}

// Filter returns the records not seen before, in their original order,
// and the number of records dropped.
func (d *BoundaryDeduper) Filter(records []types.Transaction) ([]types.Transaction, int) {
	out := make([]types.Transaction, 0, len(records))
	for i := range records {
		key := records[i].Key()
		if _, ok := d.seen[key]; ok {
			continue
		}
		d.seen[key] = struct{}{}
		out = append(out, records[i])
	}
	return out, len(records) - len(out)
}

// Slide forgets keys for blocks outside [low, high]
func (d *BoundaryDeduper) Slide(low, high uint64) {
	for key := range d.seen {
		if key.BlockNumber < low || key.BlockNumber > high {
			delete(d.seen, key)
		}
	}
}

// Len returns the number of keys currently remembered
func (d *BoundaryDeduper) Len() int {
	return len(d.seen)
}
