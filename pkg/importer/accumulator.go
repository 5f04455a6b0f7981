package importer

import (
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

// accumulator holds the state of one discovery run. A new one is created
// per run, so concurrent runs never share address sets or counters.
type accumulator struct {
	contract string
	limit    int

	seen      map[string]struct{}
	addresses []string
	stats     types.AddressStats

	txCount int
	blocks  map[uint64]struct{}
	records []types.Transaction

	limitReached bool
}

func newAccumulator(contract string, limit int) *accumulator {
	return &accumulator{
		contract: contract,
		limit:    limit,
		seen:     make(map[string]struct{}, limit),
		blocks:   make(map[uint64]struct{}),
	}
}

// consume processes a page in received order and reports whether the limit
// was reached. Processing stops at the transaction that reaches it.
// The whole page is kept for persistence.
func (a *accumulator) consume(page []types.Transaction) bool {
	a.records = append(a.records, page...)

	for _, tx := range page {
		a.txCount++
		a.blocks[tx.BlockNumber] = struct{}{}

		if a.add(tx.From) {
			a.stats.FromCount++
		}
		if a.full() {
			a.limitReached = true
			return true
		}
		if a.add(tx.To) {
			a.stats.ToCount++
		}
		if a.full() {
			a.limitReached = true
			return true
		}
	}
	return false
}

// add records addr if it is a new counterparty
func (a *accumulator) add(raw string) bool {
	addr := types.NormalizeAddress(raw)
	switch {
	case addr == "":
		// contract creations carry no recipient
		return false
	case !types.ValidAddress(addr):
		a.stats.InvalidFiltered++
		return false
	case addr == types.ZeroAddress:
		a.stats.ZeroFiltered++
		return false
	case addr == a.contract:
		a.stats.SelfFiltered++
		return false
	}

	if _, ok := a.seen[addr]; ok {
		return false
	}
	a.seen[addr] = struct{}{}
	a.addresses = append(a.addresses, addr)
	return true
}

func (a *accumulator) full() bool {
	return len(a.addresses) >= a.limit
}
