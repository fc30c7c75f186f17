package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "easel.db"
	defaultStartTimeout   = 20 * time.Second
	defaultPingInterval   = 10 * time.Second
	defaultRestartMax     = 5
	defaultRestartBackoff = 2 * time.Second
	defaultQueueTTL       = 2 * time.Minute
	defaultJobRetention   = time.Hour
	defaultIdleTimeout    = time.Hour
	defaultSessionBuffer  = 64
	defaultSweepInterval  = 30 * time.Second

	envListenAddr     = "EASEL_LISTEN_ADDR"
	envDBPath         = "EASEL_DB_PATH"
	envLogLevel       = "EASEL_LOG_LEVEL"
	envAPIKey         = "EASEL_API_KEY"
	envEngineBin      = "EASEL_ENGINE_BIN"
	envEngineArgs     = "EASEL_ENGINE_ARGS"
	envWorkflowDirs   = "EASEL_WORKFLOW_DIRS"
	envPluginDir      = "EASEL_PLUGIN_DIR"
	envPrepCmd        = "EASEL_PREP_CMD"
	envStartTimeout   = "EASEL_START_TIMEOUT"
	envPingInterval   = "EASEL_PING_INTERVAL"
	envRestartMax     = "EASEL_RESTART_MAX"
	envRestartBackoff = "EASEL_RESTART_BACKOFF"
	envQueueTTL       = "EASEL_QUEUE_TTL"
	envIdleTimeout    = "EASEL_SESSION_IDLE_TIMEOUT"
	envJobRetention   = "EASEL_JOB_RETENTION"
	envSessionBuffer  = "EASEL_SESSION_BUFFER"
	envSweepInterval  = "EASEL_SWEEP_INTERVAL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	// APIKey protects every route except health and metrics. Empty
	// disables authentication.
	APIKey string

	// EngineBin is the generation engine executable. Required by cmd/easel;
	// the dev server injects an in-process engine instead.
	EngineBin  string
	EngineArgs []string

	WorkflowDirs []string
	PluginDir    string
	PrepCommand  []string

	StartTimeout   time.Duration
	PingInterval   time.Duration
	RestartMax     int
	RestartBackoff time.Duration

	QueueTTL           time.Duration
	JobRetention       time.Duration
	SessionIdleTimeout time.Duration
	SessionBuffer      int
	SweepInterval      time.Duration
}

// Load reads configuration from the environment with sensible defaults,
// after merging a .env file if one is present. Unparseable values fall back
// to their defaults.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ListenAddr: envString(envListenAddr, defaultListenAddr),
		DBPath:     envString(envDBPath, defaultDBPath),
		LogLevel:   parseLogLevel(os.Getenv(envLogLevel)),
		APIKey:     os.Getenv(envAPIKey),

		EngineBin:  os.Getenv(envEngineBin),
		EngineArgs: strings.Fields(os.Getenv(envEngineArgs)),

		WorkflowDirs: splitPathList(os.Getenv(envWorkflowDirs)),
		PluginDir:    os.Getenv(envPluginDir),
		PrepCommand:  strings.Fields(os.Getenv(envPrepCmd)),

		StartTimeout:   envDuration(envStartTimeout, defaultStartTimeout),
		PingInterval:   envDuration(envPingInterval, defaultPingInterval),
		RestartMax:     envInt(envRestartMax, defaultRestartMax),
		RestartBackoff: envDuration(envRestartBackoff, defaultRestartBackoff),

		QueueTTL:           envDuration(envQueueTTL, defaultQueueTTL),
		JobRetention:       envDuration(envJobRetention, defaultJobRetention),
		SessionIdleTimeout: envDuration(envIdleTimeout, defaultIdleTimeout),
		SessionBuffer:      envInt(envSessionBuffer, defaultSessionBuffer),
		SweepInterval:      envDuration(envSweepInterval, defaultSweepInterval),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
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

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// splitPathList splits a colon-separated directory list, dropping empty
// entries.
func splitPathList(v string) []string {
	var dirs []string
	for _, d := range filepath.SplitList(v) {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
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
