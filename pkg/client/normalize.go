package client

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/0xmhha/ledger-crawler/pkg/types"
	"github.com/shopspring/decimal"
)

// rawTransaction is one record of a txlist response.
// Every field arrives as a decimal or hex string.
type rawTransaction struct {
	BlockNumber      string `json:"blockNumber"`
	TimeStamp        string `json:"timeStamp"`
	Hash             string `json:"hash"`
	Nonce            string `json:"nonce"`
	TransactionIndex string `json:"transactionIndex"`
	From             string `json:"from"`
	To               string `json:"to"`
	Value            string `json:"value"`
	GasPrice         string `json:"gasPrice"`
	GasUsed          string `json:"gasUsed"`
	IsError          string `json:"isError"`
	MethodID         string `json:"methodId"`
	FunctionName     string `json:"functionName"`
	ContractAddress  string `json:"contractAddress"`
}

// normalize converts raw records into canonical transactions.
// A malformed record fails the whole page.
func normalize(chainID int64, raws []rawTransaction) ([]types.Transaction, error) {
	out := make([]types.Transaction, 0, len(raws))
	for i := range raws {
		tx, err := normalizeOne(chainID, &raws[i])
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, tx)
	}
	return out, nil
}

func normalizeOne(chainID int64, raw *rawTransaction) (types.Transaction, error) {
	var tx types.Transaction

	block, err := strconv.ParseUint(strings.TrimSpace(raw.BlockNumber), 10, 64)
	if err != nil {
		return tx, fmt.Errorf("invalid blockNumber %q: %w", raw.BlockNumber, err)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(raw.TimeStamp), 10, 64)
	if err != nil {
		return tx, fmt.Errorf("invalid timeStamp %q: %w", raw.TimeStamp, err)
	}
	hash := strings.ToLower(strings.TrimSpace(raw.Hash))
	if hash == "" {
		return tx, fmt.Errorf("missing hash at block %d", block)
	}

	value, err := parseDecimal(raw.Value)
	if err != nil {
		return tx, fmt.Errorf("invalid value: %w", err)
	}
	gasPrice, err := parseDecimal(raw.GasPrice)
	if err != nil {
		return tx, fmt.Errorf("invalid gasPrice: %w", err)
	}
	gasUsed, err := parseOptionalUint(raw.GasUsed)
	if err != nil {
		return tx, fmt.Errorf("invalid gasUsed: %w", err)
	}
	nonce, err := parseOptionalUint(raw.Nonce)
	if err != nil {
		return tx, fmt.Errorf("invalid nonce: %w", err)
	}
	index, err := parseOptionalUint(raw.TransactionIndex)
	if err != nil {
		return tx, fmt.Errorf("invalid transactionIndex: %w", err)
	}

	blockTime := time.Unix(ts, 0).UTC()
	tx = types.Transaction{
		ChainID:          chainID,
		BlockNumber:      block,
		Hash:             hash,
		From:             types.NormalizeAddress(raw.From),
		To:               types.NormalizeAddress(raw.To),
		Value:            value,
		GasUsed:          gasUsed,
		GasPrice:         gasPrice,
		Timestamp:        ts,
		BlockTime:        blockTime,
		BlockDate:        blockTime.Format(types.BlockDateLayout),
		FunctionName:     strings.TrimSpace(raw.FunctionName),
		MethodID:         strings.ToLower(strings.TrimSpace(raw.MethodID)),
		Nonce:            nonce,
		TransactionIndex: index,
		IsError:          strings.TrimSpace(raw.IsError) == "1",
		ContractAddress:  types.NormalizeAddress(raw.ContractAddress),
	}
	return tx, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseOptionalUint(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
