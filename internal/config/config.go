package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "benchd.db"
	defaultWorkers       = 4
	defaultLeaseTTL      = 30 * time.Second
	defaultPollInterval  = 500 * time.Millisecond
	defaultRetryInterval = 2 * time.Second

	envListenAddr    = "BENCHD_LISTEN_ADDR"
	envDBPath        = "BENCHD_DB_PATH"
	envLogLevel      = "BENCHD_LOG_LEVEL"
	envWorkers       = "BENCHD_WORKERS"
	envLeaseTTL      = "BENCHD_LEASE_TTL"
	envPollInterval  = "BENCHD_POLL_INTERVAL"
	envRetryInterval = "BENCHD_RETRY_INTERVAL"
	envProtocolDir   = "BENCHD_PROTOCOL_DIR"
	envAssetFile     = "BENCHD_ASSET_FILE"
)

// Config holds daemon configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Workers is the number of task-queue workers the daemon runs.
	Workers int

	// LeaseTTL bounds both asset leases and task leases. Holders renew at
	// a third of this.
	LeaseTTL time.Duration

	// PollInterval is the idle cadence of the worker queue poll.
	PollInterval time.Duration

	// RetryInterval is the cadence of the admission and recovery loop.
	RetryInterval time.Duration

	// ProtocolDir, when set, is loaded into the protocol catalog at boot.
	ProtocolDir string

	// AssetFile, when set, seeds the asset catalog at boot.
	AssetFile string
}

// Load reads configuration from environment variables with sensible
// defaults. Values that fail to parse fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		Workers:       intEnv(envWorkers, defaultWorkers),
		LeaseTTL:      durationEnv(envLeaseTTL, defaultLeaseTTL),
		PollInterval:  durationEnv(envPollInterval, defaultPollInterval),
		RetryInterval: durationEnv(envRetryInterval, defaultRetryInterval),
		ProtocolDir:   os.Getenv(envProtocolDir),
		AssetFile:     os.Getenv(envAssetFile),
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
