package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// RawTx is one record of the upstream txlist response
type RawTx struct {
	BlockNumber      string `json:"blockNumber"`
	TimeStamp        string `json:"timeStamp"`
	Hash             string `json:"hash"`
	Nonce            string `json:"nonce"`
	TransactionIndex string `json:"transactionIndex"`
	From             string `json:"from"`
	To               string `json:"to"`
	Value            string `json:"value"`
	Gas              string `json:"gas"`
	GasPrice         string `json:"gasPrice"`
	GasUsed          string `json:"gasUsed"`
	IsError          string `json:"isError"`
	TxReceiptStatus  string `json:"txreceipt_status"`
	Input            string `json:"input"`
	MethodID         string `json:"methodId"`
	FunctionName     string `json:"functionName"`
	ContractAddress  string `json:"contractAddress"`
}

// Failure is a scripted response served instead of real data
type Failure struct {
	// HTTPStatus, when non-zero, is written as the response code with an empty body
	HTTPStatus int
	// Message is returned with status "0" when HTTPStatus is zero
	Message string
}

// FakeLedger is an in-memory ledger API speaking the Etherscan v2 query protocol.
// It serves module=account&action=txlist and module=block&action=getblocknobytime.
type FakeLedger struct {
	mu       sync.Mutex
	txs      map[string][]RawTx
	failures []Failure
	requests []url.Values
	server   *httptest.Server
}

// NewFakeLedger starts a fake ledger API that is closed when the test ends
func NewFakeLedger(t *testing.T) *FakeLedger {
	t.Helper()
	f := &FakeLedger{txs: make(map[string][]RawTx)}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

// URL returns the base URL of the fake API
func (f *FakeLedger) URL() string {
	return f.server.URL
}

// AddTxs registers records for an entity address
func (f *FakeLedger) AddTxs(entity string, txs ...RawTx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(entity)
	f.txs[key] = append(f.txs[key], txs...)
}

// FailNext queues scripted failures served before any real response
func (f *FakeLedger) FailNext(failures ...Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failures...)
}

// Requests returns a copy of every query received so far
func (f *FakeLedger) Requests() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]url.Values, len(f.requests))
	copy(out, f.requests)
	return out
}

// RequestCount returns the number of queries received so far
func (f *FakeLedger) RequestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type envelope struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Result  interface{} `json:"result"`
}

func (f *FakeLedger) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f.mu.Lock()
	f.requests = append(f.requests, q)
	var failure *Failure
	if len(f.failures) > 0 {
		failure = &f.failures[0]
		f.failures = f.failures[1:]
	}
	f.mu.Unlock()

	if failure != nil {
		if failure.HTTPStatus != 0 {
			w.WriteHeader(failure.HTTPStatus)
			return
		}
		writeJSON(w, envelope{Status: "0", Message: failure.Message, Result: failure.Message})
		return
	}

	switch q.Get("module") + "/" + q.Get("action") {
	case "account/txlist":
		f.txlist(w, q)
	case "block/getblocknobytime":
		f.blockByTime(w, q)
	default:
		writeJSON(w, envelope{Status: "0", Message: "NOTOK", Result: "Error! Missing Or invalid Module name"})
	}
}

func (f *FakeLedger) txlist(w http.ResponseWriter, q url.Values) {
	start := parseBlockParam(q.Get("startblock"), 0)
	end := parseBlockParam(q.Get("endblock"), ^uint64(0))
	page := int(parseBlockParam(q.Get("page"), 1))
	offset := int(parseBlockParam(q.Get("offset"), 10000))
	if page < 1 {
		page = 1
	}

	f.mu.Lock()
	all := f.txs[strings.ToLower(q.Get("address"))]
	var matched []RawTx
	for _, tx := range all {
		n, _ := strconv.ParseUint(tx.BlockNumber, 10, 64)
		if n >= start && n <= end {
			matched = append(matched, tx)
		}
	}
	f.mu.Unlock()

	desc := q.Get("sort") == "desc"
	sort.SliceStable(matched, func(i, j int) bool {
		a, _ := strconv.ParseUint(matched[i].BlockNumber, 10, 64)
		b, _ := strconv.ParseUint(matched[j].BlockNumber, 10, 64)
		if desc {
			return a > b
		}
		return a < b
	})

	from := (page - 1) * offset
	if from >= len(matched) {
		writeJSON(w, envelope{Status: "0", Message: "No transactions found", Result: []RawTx{}})
		return
	}
	to := from + offset
	if to > len(matched) {
		to = len(matched)
	}
	writeJSON(w, envelope{Status: "1", Message: "OK", Result: matched[from:to]})
}

// blockByTime maps a timestamp back onto the fixture block schedule
func (f *FakeLedger) blockByTime(w http.ResponseWriter, q url.Values) {
	ts, err := strconv.ParseInt(q.Get("timestamp"), 10, 64)
	if err != nil {
		writeJSON(w, envelope{Status: "0", Message: "NOTOK", Result: "Error! Invalid timestamp"})
		return
	}
	elapsed := ts - GenesisTime.Unix()
	if elapsed < 0 {
		elapsed = 0
	}
	spacing := int64(BlockSpacing.Seconds())
	block := elapsed / spacing
	if q.Get("closest") == "after" && elapsed%spacing != 0 {
		block++
	}
	writeJSON(w, envelope{Status: "1", Message: "OK", Result: strconv.FormatInt(block, 10)})
}

func parseBlockParam(s string, def uint64) uint64 {
	if s == "" || s == "latest" {
		return def
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
