package constants

import "time"

// Ledger API Constants
const (
	// DefaultAPIBaseURL is the unified Etherscan v2 endpoint serving every supported chain
	DefaultAPIBaseURL = "https://api.etherscan.io/v2/api"

	// MaxPageSize is the largest page the ledger API will return for one request
	MaxPageSize = 10000

	// DefaultPageSize is the page size used by forward (sync) walks
	DefaultPageSize = MaxPageSize

	// DefaultAPITimeout is the HTTP timeout for one ledger API request
	DefaultAPITimeout = 30 * time.Second

	// DefaultRequestsPerSecond keeps request spacing at the upstream's 200ms minimum
	DefaultRequestsPerSecond = 5.0

	// DefaultRateLimitBurst is the token bucket burst for ledger API requests
	DefaultRateLimitBurst = 1

	// DefaultMaxRetries is the number of additional attempts after a retryable failure
	DefaultMaxRetries = 3

	// DefaultRetryBaseDelay is the base of the exponential backoff (base * 2^attempt)
	DefaultRetryBaseDelay = 1 * time.Second
)

// Fetcher Constants
const (
	// DefaultInterPageDelay is the pause between consecutive page requests in one walk
	DefaultInterPageDelay = 200 * time.Millisecond

	// DefaultMaxPages bounds a single forward walk
	DefaultMaxPages = 10000

	// DefaultChainID is Base mainnet, the default chain of the original pipeline
	DefaultChainID = 8453
)

// Coordinator Constants
const (
	// DefaultBatchSize is the number of blocks per distributed batch
	DefaultBatchSize = 1000000

	// DefaultMaxBatches bounds the batches one backfill may partition into
	DefaultMaxBatches = 100000

	// DefaultPollInterval is how often Await polls the task queue
	DefaultPollInterval = 5 * time.Second

	// DefaultNumWorkers is the default size of the local worker pool
	DefaultNumWorkers = 4

	// DefaultQueueSize is the default capacity of the local task queue
	DefaultQueueSize = 1000

	// DefaultRedisQueueKey is the Redis list holding pending batch tasks
	DefaultRedisQueueKey = "crawler:batches:pending"

	// DefaultRedisTaskPrefix prefixes the Redis hash that holds one batch task's state
	DefaultRedisTaskPrefix = "crawler:batch:"

	// DefaultRedisTaskTTL is how long finished batch state is kept in Redis
	DefaultRedisTaskTTL = 24 * time.Hour
)

// Importer Constants
const (
	// DefaultImportPageSize is the page size of backward discovery walks
	DefaultImportPageSize = 5000

	// DefaultImportMaxPages bounds one discovery run
	DefaultImportMaxPages = 100

	// DefaultUserLimit is the number of unique addresses discovered when none is requested
	DefaultUserLimit = 1000

	// DefaultGenesisFloor stops a backward walk once block numbers fall to it
	DefaultGenesisFloor = 1

	// DefaultImportCacheTTL is how long an import result stays cached
	DefaultImportCacheTTL = time.Hour

	// DefaultDuplicateWindow covers the race between two near-simultaneous submissions
	DefaultDuplicateWindow = 30 * time.Second

	// DefaultTableInitTimeout bounds table initialization in the persist phase
	DefaultTableInitTimeout = 30 * time.Second

	// DefaultStoreTimeout bounds transaction storage in the persist phase
	DefaultStoreTimeout = 5 * time.Minute

	// DefaultCheckpointTimeout bounds the checkpoint update in the persist phase
	DefaultCheckpointTimeout = 30 * time.Second
)

// Storage Constants
const (
	// DefaultTransactionsTable is the table raw transactions are written to
	DefaultTransactionsTable = "transactions"

	// DefaultCacheSize is the default cache size in MB for PebbleDB
	DefaultCacheSize = 128 // MB

	// DefaultMaxOpenFiles is the default maximum number of open files for PebbleDB
	DefaultMaxOpenFiles = 1000

	// DefaultWriteBuffer is the default write buffer size in MB for PebbleDB
	DefaultWriteBuffer = 64 // MB

	// DefaultCompactionConcurrency is the default number of concurrent compactions
	DefaultCompactionConcurrency = 4
)

// Task tracking Constants
const (
	// DefaultTaskStatusTTL is how long task status records are retained
	DefaultTaskStatusTTL = 24 * time.Hour

	// ImportResultKeyPrefix prefixes cached import results: unique_addresses:{chain_id}:{contract}
	ImportResultKeyPrefix = "unique_addresses"

	// TaskStatusKeyPrefix prefixes task status records: task_status:{task_id}
	TaskStatusKeyPrefix = "task_status"
)

// Ops server Constants
const (
	// DefaultMetricsAddr is the listen address of the metrics/health server
	DefaultMetricsAddr = ":9090"

	// DefaultShutdownTimeout is the graceful shutdown timeout of the ops server
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultAPIRateLimit is the per-client request rate of the ops server
	DefaultAPIRateLimit = 20.0

	// DefaultAPIRateBurst is the per-client burst of the ops server
	DefaultAPIRateBurst = 40

	// DefaultSyncCron runs scheduled incremental syncs every 10 minutes
	DefaultSyncCron = "0 */10 * * * *"

	// DefaultMaxConcurrentSyncs bounds scheduled syncs running at once
	DefaultMaxConcurrentSyncs = 2
)
