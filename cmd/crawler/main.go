package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/0xmhha/ledger-crawler/internal/config"
	"github.com/0xmhha/ledger-crawler/internal/logger"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "crawler",
		Usage:   "crawl ledger transactions into checkpointed tables",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file (YAML)",
				EnvVars: []string{"CRAWLER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (json, console)",
			},
			&cli.StringFlag{
				Name:  "api-key",
				Usage: "ledger API key",
			},
		},
		Commands: []*cli.Command{
			syncCommand(),
			backfillCommand(),
			importCommand(),
			workerCommand(),
			serveCommand(),
			statusCommand(),
		},
	}
}

// loadConfig loads configuration from file and environment variables
// and applies the global flags on top
func loadConfig(c *cli.Context) (*config.Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	applyFlags(cfg, c.String("api-key"), c.String("log-level"), c.String("log-format"))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s exists but is a directory", path)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// applyFlags applies command-line flags to configuration
func applyFlags(cfg *config.Config, apiKey, logLevel, logFormat string) {
	if apiKey != "" {
		cfg.API.APIKey = apiKey
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
}

// initLogger initializes the logger with the configured level and format
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}
