package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"github.com/0xmhha/ledger-crawler/internal/logger"
	"github.com/0xmhha/ledger-crawler/pkg/metrics"
	"github.com/0xmhha/ledger-crawler/pkg/types"
	"go.uber.org/zap"
)

// Config holds client configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// MaxRetries is the number of additional attempts after a retryable failure
	MaxRetries int
	// BaseDelay is the first retry delay; attempt n waits BaseDelay * 2^n
	BaseDelay time.Duration
	// Jitter adds up to this fraction of the delay at random (0 disables)
	Jitter float64

	RequestsPerSecond float64
	Burst             int

	// PageSize is used when a request leaves it unset
	PageSize int

	// HTTPClient overrides the default http.Client
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           constants.DefaultAPIBaseURL,
		Timeout:           constants.DefaultAPITimeout,
		MaxRetries:        constants.DefaultMaxRetries,
		BaseDelay:         constants.DefaultRetryBaseDelay,
		RequestsPerSecond: constants.DefaultRequestsPerSecond,
		Burst:             constants.DefaultRateLimitBurst,
		PageSize:          constants.DefaultPageSize,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.BaseDelay < 0 {
		return fmt.Errorf("base delay cannot be negative")
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("jitter must be between 0 and 1")
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}
	if c.PageSize <= 0 || c.PageSize > constants.MaxPageSize {
		return fmt.Errorf("page size must be between 1 and %d", constants.MaxPageSize)
	}
	return nil
}

// FetchRequest describes one page request
type FetchRequest struct {
	Entity     string
	ChainID    int64
	StartBlock uint64
	// EndBlock bounds the range inclusively; nil means latest
	EndBlock *uint64
	// Page is 1-based; zero means the first page
	Page     int
	PageSize int
	Sort     types.SortOrder
}

// ResultKind tags a successful fetch
type ResultKind int

const (
	// ResultSuccess carries at least one transaction
	ResultSuccess ResultKind = iota
	// ResultEmpty means the range holds no transactions
	ResultEmpty
)

func (k ResultKind) String() string {
	if k == ResultEmpty {
		return "empty"
	}
	return "success"
}

// FetchResult is the outcome of a successful Fetch
type FetchResult struct {
	Kind         ResultKind
	Transactions []types.Transaction
}

// LastBlock returns the block number of the last transaction in page order
func (r *FetchResult) LastBlock() (uint64, bool) {
	if r == nil || len(r.Transactions) == 0 {
		return 0, false
	}
	return r.Transactions[len(r.Transactions)-1].BlockNumber, true
}

// Client talks to an Etherscan v2 style ledger API.
// It is safe for concurrent use; every request shares one rate limiter.
type Client struct {
	config  *Config
	http    *http.Client
	limiter *limiter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewClient creates a new ledger API client
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		config:  cfg,
		http:    httpClient,
		limiter: newLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:  logger.WithComponent(cfg.Logger, "client"),
		metrics: cfg.Metrics,
	}, nil
}

// Fetch performs one page request, retrying retryable failures.
// Errors are always *APIError except for context cancellation.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	entity := types.NormalizeAddress(req.Entity)
	if entity == "" {
		return nil, fatal("invalid_request", "", fmt.Errorf("%w: entity is required", ErrInvalidRequest))
	}
	if req.EndBlock != nil && *req.EndBlock < req.StartBlock {
		return nil, fatal("invalid_request", "", fmt.Errorf("%w: end block %d before start block %d",
			ErrInvalidRequest, *req.EndBlock, req.StartBlock))
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = c.config.PageSize
	}
	if pageSize > constants.MaxPageSize {
		pageSize = constants.MaxPageSize
	}
	page := req.Page
	if page <= 0 {
		page = 1
	}
	sort := req.Sort
	if sort == "" {
		sort = types.SortAsc
	}
	end := "latest"
	if req.EndBlock != nil {
		end = strconv.FormatUint(*req.EndBlock, 10)
	}

	params := url.Values{}
	params.Set("chainid", strconv.FormatInt(req.ChainID, 10))
	params.Set("module", "account")
	params.Set("action", "txlist")
	params.Set("address", entity)
	params.Set("startblock", strconv.FormatUint(req.StartBlock, 10))
	params.Set("endblock", end)
	params.Set("page", strconv.Itoa(page))
	params.Set("offset", strconv.Itoa(pageSize))
	params.Set("sort", string(sort))

	resp, err := c.call(ctx, "txlist", params)
	if err != nil {
		return nil, err
	}
	if resp.empty {
		return &FetchResult{Kind: ResultEmpty}, nil
	}

	var raws []rawTransaction
	if err := json.Unmarshal(resp.Result, &raws); err != nil {
		return nil, fatal("decode_result", "", fmt.Errorf("failed to decode txlist result: %w", err))
	}
	if len(raws) == 0 {
		return &FetchResult{Kind: ResultEmpty}, nil
	}

	txs, err := normalize(req.ChainID, raws)
	if err != nil {
		return nil, fatal("normalize", "", err)
	}

	c.logger.Debug("fetched page",
		zap.Int64("chain_id", req.ChainID),
		zap.String("entity", entity),
		zap.Uint64("start_block", req.StartBlock),
		zap.String("end_block", end),
		zap.Int("page", page),
		zap.Int("records", len(txs)),
	)

	return &FetchResult{Kind: ResultSuccess, Transactions: txs}, nil
}

// BlockByTimestamp resolves the block closest to ts.
// closest is "before" or "after".
func (c *Client) BlockByTimestamp(ctx context.Context, chainID int64, ts time.Time, closest string) (uint64, error) {
	if closest != "before" && closest != "after" {
		return 0, fatal("invalid_request", "", fmt.Errorf("%w: closest must be before or after", ErrInvalidRequest))
	}

	params := url.Values{}
	params.Set("chainid", strconv.FormatInt(chainID, 10))
	params.Set("module", "block")
	params.Set("action", "getblocknobytime")
	params.Set("timestamp", strconv.FormatInt(ts.Unix(), 10))
	params.Set("closest", closest)

	resp, err := c.call(ctx, "getblocknobytime", params)
	if err != nil {
		return 0, err
	}
	if resp.empty {
		return 0, fatal("empty_result", resp.Message, nil)
	}

	var s string
	if err := json.Unmarshal(resp.Result, &s); err != nil {
		return 0, fatal("decode_result", "", fmt.Errorf("failed to decode block number: %w", err))
	}
	block, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fatal("decode_result", "", fmt.Errorf("invalid block number %q: %w", s, err))
	}
	return block, nil
}

// apiResponse is the envelope every endpoint returns
type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`

	empty bool
}

// call runs one logical request with retries and backoff
func (c *Client) call(ctx context.Context, action string, params url.Values) (*apiResponse, error) {
	var lastErr *APIError

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			c.logger.Warn("Retrying ledger API request",
				zap.String("action", action),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", c.config.MaxRetries),
				zap.Duration("backoff_delay", delay),
				zap.String("reason", lastErr.Reason),
			)
			c.metrics.IncRetry()
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := c.do(ctx, action, params)
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return nil, err
		}
		if !apiErr.Retryable() {
			return nil, apiErr
		}
		lastErr = apiErr
	}

	return nil, &APIError{
		Kind:    ErrorKindFatal,
		Reason:  "retries_exhausted",
		Message: lastErr.Message,
		Err:     fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.config.MaxRetries+1, lastErr),
	}
}

// do performs exactly one HTTP request and classifies its outcome
func (c *Client) do(ctx context.Context, action string, params url.Values) (resp *apiResponse, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		c.metrics.ObserveFetch(action, outcome(resp, err), time.Since(start))
	}()

	q := cloneValues(params)
	if c.config.APIKey != "" {
		q.Set("apikey", c.config.APIKey)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fatal("build_request", "", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		return nil, classifyStatus(httpResp.StatusCode)
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyTransport(err)
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, retryable("malformed_response", "", fmt.Errorf("failed to decode response: %w", err))
	}

	if out.Status == "1" {
		return &out, nil
	}

	msg := upstreamMessage(&out)
	if isEmptyMessage(msg) {
		out.empty = true
		return &out, nil
	}
	return nil, classifyMessage(msg)
}

// upstreamMessage joins the message and, when it is a string, the result.
// Failures often carry the cause in result ("NOTOK" + "Max rate limit reached").
func upstreamMessage(resp *apiResponse) string {
	msg := resp.Message
	var detail string
	if err := json.Unmarshal(resp.Result, &detail); err == nil && detail != "" && detail != msg {
		if msg == "" {
			return detail
		}
		return msg + ": " + detail
	}
	return msg
}

func outcome(resp *apiResponse, err error) string {
	switch {
	case err == nil && resp != nil && resp.empty:
		return "empty"
	case err == nil:
		return "success"
	case IsRetryable(err):
		return "retryable"
	default:
		return "fatal"
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.config.BaseDelay * time.Duration(1<<uint(attempt))
	if c.config.Jitter > 0 && delay > 0 {
		delay += time.Duration(rand.Float64() * c.config.Jitter * float64(delay))
	}
	return delay
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+1)
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
