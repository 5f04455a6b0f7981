package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/0xmhha/ledger-crawler/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// GenesisTime is the block time of block 0 in generated fixtures.
// Block n is produced BlockSpacing after block n-1.
var GenesisTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// BlockSpacing is the time between consecutive fixture blocks
const BlockSpacing = 2 * time.Second

// NewTestLogger creates a logger that writes through the test's log
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// BlockTime returns the fixture timestamp of block n
func BlockTime(n uint64) time.Time {
	return GenesisTime.Add(time.Duration(n) * BlockSpacing)
}

// TxHash returns a deterministic hash for the i-th transaction of a block
func TxHash(block uint64, i int) string {
	return fmt.Sprintf("0x%058x%06x", block, i)
}

// Address returns a deterministic well-formed address for n
func Address(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

// NewRawTx creates a raw ledger record in the upstream wire shape
func NewRawTx(block uint64, i int, from, to string) RawTx {
	ts := BlockTime(block).Unix()
	return RawTx{
		BlockNumber:      fmt.Sprintf("%d", block),
		TimeStamp:        fmt.Sprintf("%d", ts),
		Hash:             TxHash(block, i),
		Nonce:            fmt.Sprintf("%d", i),
		TransactionIndex: fmt.Sprintf("%d", i),
		From:             from,
		To:               to,
		Value:            "1000000000000000000",
		Gas:              "21000",
		GasPrice:         "1000000000",
		GasUsed:          "21000",
		IsError:          "0",
		TxReceiptStatus:  "1",
		Input:            "0x",
		MethodID:         "0x",
		FunctionName:     "",
		ContractAddress:  "",
	}
}

// GenerateTxs creates perBlock records for every block in [from, to].
// Senders cycle through distinct addresses and every record targets entity.
func GenerateTxs(entity string, from, to uint64, perBlock int) []RawTx {
	var out []RawTx
	n := 1
	for b := from; b <= to; b++ {
		for i := 0; i < perBlock; i++ {
			out = append(out, NewRawTx(b, i, Address(n), entity))
			n++
		}
	}
	return out
}

// NewTestTransaction creates a canonical transaction for storage and checkpoint tests
func NewTestTransaction(chainID int64, block uint64, i int) types.Transaction {
	bt := BlockTime(block)
	return types.Transaction{
		ChainID:          chainID,
		BlockNumber:      block,
		Hash:             TxHash(block, i),
		From:             Address(i + 1),
		To:               Address(0xbeef),
		Value:            decimal.NewFromInt(1),
		GasUsed:          21000,
		GasPrice:         decimal.NewFromInt(1000000000),
		Timestamp:        bt.Unix(),
		BlockTime:        bt,
		BlockDate:        bt.Format(types.BlockDateLayout),
		Nonce:            uint64(i),
		TransactionIndex: uint64(i),
	}
}

// NewTestTransactions creates perBlock transactions for every block in [from, to]
func NewTestTransactions(chainID int64, from, to uint64, perBlock int) []types.Transaction {
	var out []types.Transaction
	for b := from; b <= to; b++ {
		for i := 0; i < perBlock; i++ {
			out = append(out, NewTestTransaction(chainID, b, i))
		}
	}
	return out
}
