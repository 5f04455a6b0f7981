package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the crawler
type Config struct {
	API         APIConfig         `yaml:"api"`
	Storage     StorageConfig     `yaml:"storage"`
	Redis       RedisConfig       `yaml:"redis"`
	Crawler     CrawlerConfig     `yaml:"crawler"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Importer    ImporterConfig    `yaml:"importer"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// APIConfig holds ledger API client configuration
type APIConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryJitter       float64       `yaml:"retry_jitter"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// StorageConfig holds table store and checkpoint store configuration
type StorageConfig struct {
	// Path is the PebbleDB directory for the transaction tables
	Path string `yaml:"path"`
	// Table is the table raw transactions are written to
	Table string `yaml:"table"`
	// CheckpointBackend is where checkpoints live: "pebble" or "postgres"
	CheckpointBackend string `yaml:"checkpoint_backend"`
	// PostgresDSN is required when CheckpointBackend is "postgres"
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
	CacheSize   int    `yaml:"cache_size"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	// Enabled switches the result cache and task status store to Redis.
	// When disabled an in-process store is used.
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// CrawlerConfig holds paginated walk settings
type CrawlerConfig struct {
	ChainID        int64         `yaml:"chain_id"`
	PageSize       int           `yaml:"page_size"`
	InterPageDelay time.Duration `yaml:"inter_page_delay"`
	MaxPages       int           `yaml:"max_pages"`
}

// CoordinatorConfig holds distributed batch settings
type CoordinatorConfig struct {
	// Backend selects the task queue: "local" or "redis"
	Backend      string        `yaml:"backend"`
	BatchSize    uint64        `yaml:"batch_size"`
	MaxBatches   uint64        `yaml:"max_batches"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	QueueKey     string        `yaml:"queue_key"`
}

// ImporterConfig holds unique-address importer settings
type ImporterConfig struct {
	UserLimit         int           `yaml:"user_limit"`
	PageSize          int           `yaml:"page_size"`
	MaxPages          int           `yaml:"max_pages"`
	GenesisFloor      uint64        `yaml:"genesis_floor"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	DuplicateWindow   time.Duration `yaml:"duplicate_window"`
	TableInitTimeout  time.Duration `yaml:"table_init_timeout"`
	StoreTimeout      time.Duration `yaml:"store_timeout"`
	CheckpointTimeout time.Duration `yaml:"checkpoint_timeout"`
}

// SchedulerConfig holds periodic sync settings
type SchedulerConfig struct {
	Enabled       bool           `yaml:"enabled"`
	Cron          string         `yaml:"cron"`
	MaxConcurrent int            `yaml:"max_concurrent"`
	Entities      []EntityConfig `yaml:"entities"`
}

// EntityConfig names one entity the scheduler keeps in sync
type EntityConfig struct {
	ChainID int64  `yaml:"chain_id"`
	Address string `yaml:"address"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds the ops server configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// NewConfig creates a new config with default values
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every zero value with its default
func (c *Config) SetDefaults() {
	// API defaults
	if c.API.BaseURL == "" {
		c.API.BaseURL = constants.DefaultAPIBaseURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = constants.DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = constants.DefaultMaxRetries
	}
	if c.API.RetryBaseDelay == 0 {
		c.API.RetryBaseDelay = constants.DefaultRetryBaseDelay
	}
	if c.API.RequestsPerSecond == 0 {
		c.API.RequestsPerSecond = constants.DefaultRequestsPerSecond
	}
	if c.API.Burst == 0 {
		c.API.Burst = constants.DefaultRateLimitBurst
	}

	// Storage defaults
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/crawler"
	}
	if c.Storage.Table == "" {
		c.Storage.Table = constants.DefaultTransactionsTable
	}
	if c.Storage.CheckpointBackend == "" {
		c.Storage.CheckpointBackend = "pebble"
	}
	if c.Storage.CacheSize == 0 {
		c.Storage.CacheSize = constants.DefaultCacheSize
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	// Crawler defaults
	if c.Crawler.ChainID == 0 {
		c.Crawler.ChainID = constants.DefaultChainID
	}
	if c.Crawler.PageSize == 0 {
		c.Crawler.PageSize = constants.DefaultPageSize
	}
	if c.Crawler.InterPageDelay == 0 {
		c.Crawler.InterPageDelay = constants.DefaultInterPageDelay
	}
	if c.Crawler.MaxPages == 0 {
		c.Crawler.MaxPages = constants.DefaultMaxPages
	}

	// Coordinator defaults
	if c.Coordinator.Backend == "" {
		c.Coordinator.Backend = "local"
	}
	if c.Coordinator.BatchSize == 0 {
		c.Coordinator.BatchSize = constants.DefaultBatchSize
	}
	if c.Coordinator.MaxBatches == 0 {
		c.Coordinator.MaxBatches = constants.DefaultMaxBatches
	}
	if c.Coordinator.PollInterval == 0 {
		c.Coordinator.PollInterval = constants.DefaultPollInterval
	}
	if c.Coordinator.Workers == 0 {
		c.Coordinator.Workers = constants.DefaultNumWorkers
	}
	if c.Coordinator.QueueSize == 0 {
		c.Coordinator.QueueSize = constants.DefaultQueueSize
	}
	if c.Coordinator.QueueKey == "" {
		c.Coordinator.QueueKey = constants.DefaultRedisQueueKey
	}

	// Importer defaults
	if c.Importer.UserLimit == 0 {
		c.Importer.UserLimit = constants.DefaultUserLimit
	}
	if c.Importer.PageSize == 0 {
		c.Importer.PageSize = constants.DefaultImportPageSize
	}
	if c.Importer.MaxPages == 0 {
		c.Importer.MaxPages = constants.DefaultImportMaxPages
	}
	if c.Importer.GenesisFloor == 0 {
		c.Importer.GenesisFloor = constants.DefaultGenesisFloor
	}
	if c.Importer.CacheTTL == 0 {
		c.Importer.CacheTTL = constants.DefaultImportCacheTTL
	}
	if c.Importer.DuplicateWindow == 0 {
		c.Importer.DuplicateWindow = constants.DefaultDuplicateWindow
	}
	if c.Importer.TableInitTimeout == 0 {
		c.Importer.TableInitTimeout = constants.DefaultTableInitTimeout
	}
	if c.Importer.StoreTimeout == 0 {
		c.Importer.StoreTimeout = constants.DefaultStoreTimeout
	}
	if c.Importer.CheckpointTimeout == 0 {
		c.Importer.CheckpointTimeout = constants.DefaultCheckpointTimeout
	}

	// Scheduler defaults
	if c.Scheduler.Cron == "" {
		c.Scheduler.Cron = constants.DefaultSyncCron
	}
	if c.Scheduler.MaxConcurrent == 0 {
		c.Scheduler.MaxConcurrent = constants.DefaultMaxConcurrentSyncs
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	// Metrics defaults
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = constants.DefaultMetricsAddr
	}
}

// LoadFromEnv overrides configuration from CRAWLER_* environment variables
func (c *Config) LoadFromEnv() error {
	// API configuration
	if v := os.Getenv("CRAWLER_API_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("CRAWLER_API_KEY"); v != "" {
		c.API.APIKey = v
	}
	if err := envDuration("CRAWLER_API_TIMEOUT", &c.API.Timeout); err != nil {
		return err
	}
	if err := envInt("CRAWLER_API_MAX_RETRIES", &c.API.MaxRetries); err != nil {
		return err
	}
	if err := envDuration("CRAWLER_API_RETRY_BASE_DELAY", &c.API.RetryBaseDelay); err != nil {
		return err
	}
	if v := os.Getenv("CRAWLER_API_RPS"); v != "" {
		val, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid CRAWLER_API_RPS: %w", err)
		}
		c.API.RequestsPerSecond = val
	}

	// Storage configuration
	if v := os.Getenv("CRAWLER_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("CRAWLER_STORAGE_TABLE"); v != "" {
		c.Storage.Table = v
	}
	if v := os.Getenv("CRAWLER_CHECKPOINT_BACKEND"); v != "" {
		c.Storage.CheckpointBackend = v
	}
	if v := os.Getenv("CRAWLER_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}

	// Redis configuration
	if err := envBool("CRAWLER_REDIS_ENABLED", &c.Redis.Enabled); err != nil {
		return err
	}
	if v := os.Getenv("CRAWLER_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CRAWLER_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if err := envInt("CRAWLER_REDIS_DB", &c.Redis.DB); err != nil {
		return err
	}

	// Crawler configuration
	if v := os.Getenv("CRAWLER_CHAIN_ID"); v != "" {
		val, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CRAWLER_CHAIN_ID: %w", err)
		}
		c.Crawler.ChainID = val
	}
	if err := envInt("CRAWLER_PAGE_SIZE", &c.Crawler.PageSize); err != nil {
		return err
	}
	if err := envDuration("CRAWLER_INTER_PAGE_DELAY", &c.Crawler.InterPageDelay); err != nil {
		return err
	}
	if err := envInt("CRAWLER_MAX_PAGES", &c.Crawler.MaxPages); err != nil {
		return err
	}

	// Coordinator configuration
	if v := os.Getenv("CRAWLER_QUEUE_BACKEND"); v != "" {
		c.Coordinator.Backend = v
	}
	if v := os.Getenv("CRAWLER_BATCH_SIZE"); v != "" {
		val, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CRAWLER_BATCH_SIZE: %w", err)
		}
		c.Coordinator.BatchSize = val
	}
	if v := os.Getenv("CRAWLER_MAX_BATCHES"); v != "" {
		val, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CRAWLER_MAX_BATCHES: %w", err)
		}
		c.Coordinator.MaxBatches = val
	}
	if err := envDuration("CRAWLER_POLL_INTERVAL", &c.Coordinator.PollInterval); err != nil {
		return err
	}
	if err := envInt("CRAWLER_WORKERS", &c.Coordinator.Workers); err != nil {
		return err
	}

	// Importer configuration
	if err := envInt("CRAWLER_USER_LIMIT", &c.Importer.UserLimit); err != nil {
		return err
	}
	if err := envDuration("CRAWLER_IMPORT_CACHE_TTL", &c.Importer.CacheTTL); err != nil {
		return err
	}

	// Scheduler configuration
	if err := envBool("CRAWLER_SCHEDULER_ENABLED", &c.Scheduler.Enabled); err != nil {
		return err
	}
	if v := os.Getenv("CRAWLER_SCHEDULER_CRON"); v != "" {
		c.Scheduler.Cron = v
	}

	// Log configuration
	if v := os.Getenv("CRAWLER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CRAWLER_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	// Metrics configuration
	if err := envBool("CRAWLER_METRICS_ENABLED", &c.Metrics.Enabled); err != nil {
		return err
	}
	if v := os.Getenv("CRAWLER_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}

	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	val, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = val
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	val, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = val
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	val, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = val
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate API configuration
	if c.API.BaseURL == "" {
		return fmt.Errorf("API base URL is required")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("API timeout must be positive")
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("API max retries cannot be negative")
	}
	if c.API.RequestsPerSecond <= 0 {
		return fmt.Errorf("API requests per second must be positive")
	}

	// Validate storage configuration
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	switch c.Storage.CheckpointBackend {
	case "pebble":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("postgres DSN is required when checkpoint backend is postgres")
		}
	default:
		return fmt.Errorf("invalid checkpoint backend %q, must be one of: pebble, postgres", c.Storage.CheckpointBackend)
	}

	// Validate crawler configuration
	if c.Crawler.PageSize <= 0 || c.Crawler.PageSize > constants.MaxPageSize {
		return fmt.Errorf("page size must be between 1 and %d", constants.MaxPageSize)
	}
	if c.Crawler.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}

	// Validate coordinator configuration
	switch c.Coordinator.Backend {
	case "local":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("redis queue backend requires redis.enabled")
		}
	default:
		return fmt.Errorf("invalid queue backend %q, must be one of: local, redis", c.Coordinator.Backend)
	}
	if c.Coordinator.BatchSize == 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Coordinator.MaxBatches == 0 {
		return fmt.Errorf("max batches must be positive")
	}
	if c.Coordinator.Workers <= 0 {
		return fmt.Errorf("worker count must be positive")
	}

	// Validate importer configuration
	if c.Importer.UserLimit <= 0 {
		return fmt.Errorf("user limit must be positive")
	}
	if c.Importer.PageSize <= 0 || c.Importer.PageSize > constants.MaxPageSize {
		return fmt.Errorf("import page size must be between 1 and %d", constants.MaxPageSize)
	}

	// Validate scheduler configuration
	if c.Scheduler.Enabled && len(c.Scheduler.Entities) == 0 {
		return fmt.Errorf("scheduler enabled but no entities configured")
	}
	for i, e := range c.Scheduler.Entities {
		if strings.TrimSpace(e.Address) == "" {
			return fmt.Errorf("scheduler entity %d: address is required", i)
		}
	}

	// Validate log configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	return nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Set defaults for any values the file zeroed
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
