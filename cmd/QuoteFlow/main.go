package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/quoteflowhq/QuoteFlow/internal/api"
	"github.com/quoteflowhq/QuoteFlow/internal/store"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for QuoteFlow state data
	DefaultStateDir = "/var/lib/quoteflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "quoteflow.db"
	// DefaultFlowDirName is the default directory flow definitions are served from
	DefaultFlowDirName = "flows"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Build module options
	storeOpts := buildStoreOptions(flags)
	apiOpts := buildAPIOptions(flags)

	// Start the service
	slog.Info("Bootstrapping QuoteFlow with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "flow_dir", *flags.flowDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := api.Run(storeOpts, apiOpts); err != nil {
		slog.Error("QuoteFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("QuoteFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	FlowDir     string
	APIAddr     string
	SyncRelay   string
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	flowDir   *string
	dbDSN     *string
	apiAddr   *string
	syncRelay *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("QUOTEFLOW_STATE_DIR"),
		FlowDir:     os.Getenv("QUOTEFLOW_FLOW_DIR"),
		APIAddr:     os.Getenv("API_ADDR"),
		SyncRelay:   os.Getenv("SYNC_RELAY_URL"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No QUOTEFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("QUOTEFLOW_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// Flow definitions live alongside the state directory unless overridden
	if config.FlowDir == "" {
		config.FlowDir = filepath.Join(config.StateDir, DefaultFlowDirName)
		slog.Debug("No QUOTEFLOW_FLOW_DIR set, using default", "default_flow_dir", config.FlowDir)
	}

	return config
}

// parseCommandLineFlags parses command line flags with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "Directory for QuoteFlow state (session cache, default database)"),
		flowDir:   flag.String("flow-dir", config.FlowDir, "Directory flow definition files are served from"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "Database DSN (Postgres URL or SQLite path; empty for in-memory)"),
		apiAddr:   flag.String("addr", config.APIAddr, "API listen address"),
		syncRelay: flag.String("sync-relay", config.SyncRelay, "Websocket URL of a peer sync hub (empty for in-process broker)"),
	}
	flag.Parse()
	return flags
}

// ensureDirectoriesExist creates the state and flow directories if needed
func ensureDirectoriesExist(flags Flags) error {
	for _, dir := range []string{*flags.stateDir, *flags.flowDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// buildStoreOptions builds the store module options
func buildStoreOptions(flags Flags) []store.Option {
	var opts []store.Option
	if *flags.dbDSN != "" {
		opts = append(opts, store.WithDSN(*flags.dbDSN))
		slog.Debug("Store DSN configured from flags")
	}
	return opts
}

// buildAPIOptions builds the API module options
func buildAPIOptions(flags Flags) []api.Option {
	opts := []api.Option{
		api.WithFlowDir(*flags.flowDir),
		api.WithStateDir(filepath.Join(*flags.stateDir, "sessions")),
	}
	if *flags.apiAddr != "" {
		opts = append(opts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.syncRelay != "" {
		opts = append(opts, api.WithSyncRelay(*flags.syncRelay))
	}
	return opts
}
