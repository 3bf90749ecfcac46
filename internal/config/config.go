package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the LeadLine services.
// The same Config type feeds both binaries: leadlined (backend) reads the
// server and storage fields, agentd (device agent) reads the agent fields.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	HTTPPort    int
	DatabaseURL string // PostgreSQL DSN; empty means embedded SQLite under DataDir
	LogLevel    string
	LogFormat   string // "text" or "json"

	// Blob storage for recording files.
	StorageBackend  string // "filesystem" or "s3"
	S3Bucket        string
	S3Region        string
	S3Endpoint      string // custom endpoint for S3-compatible stores (MinIO etc.)
	S3AccessKey     string
	S3SecretKey     string
	PublicBaseURL   string // base URL clients use to reach this server (presign responses)
	SessionIdleMins int    // minutes before an abandoned chunked session is reclaimed

	RedisAddr string // lead-cache invalidation; empty disables the hook
	JWTSecret string // shared secret for agent bearer tokens; empty disables auth

	// Agent (agentd) settings.
	ServerURL     string // backend base URL the agent uploads to
	AgentToken    string // bearer token presented by the agent
	RecordingsDir string // local capture output directory
	MinFreeMB     int    // low-storage warning threshold for capture
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8080
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultStorageBackend  = "filesystem"
	defaultSessionIdleMins = 60
	defaultMinFreeMB       = 50
)

// envPrefix is the prefix for all LeadLine environment variables.
const envPrefix = "LEADLINE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("leadline", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and recording storage")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "PostgreSQL DSN (uses embedded SQLite if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.StorageBackend, "storage-backend", defaultStorageBackend, "recording blob store (filesystem, s3)")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", "", "S3 bucket for recording storage")
	fs.StringVar(&cfg.S3Region, "s3-region", "", "S3 region")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", "", "custom S3 endpoint (for S3-compatible stores)")
	fs.StringVar(&cfg.S3AccessKey, "s3-access-key", "", "S3 access key id")
	fs.StringVar(&cfg.S3SecretKey, "s3-secret-key", "", "S3 secret access key")
	fs.StringVar(&cfg.PublicBaseURL, "public-base-url", "", "externally reachable base URL of this server")
	fs.IntVar(&cfg.SessionIdleMins, "session-idle-mins", defaultSessionIdleMins, "minutes of inactivity before an abandoned chunked upload session is reclaimed")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for lead-cache invalidation (disabled if empty)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "shared secret for agent bearer tokens (auth disabled if empty)")
	fs.StringVar(&cfg.ServerURL, "server-url", "", "backend base URL the agent uploads recordings to")
	fs.StringVar(&cfg.AgentToken, "agent-token", "", "bearer token the agent presents to the backend")
	fs.StringVar(&cfg.RecordingsDir, "recordings-dir", "", "agent-local directory for captured audio (defaults to data-dir/captures)")
	fs.IntVar(&cfg.MinFreeMB, "min-free-mb", defaultMinFreeMB, "free-disk threshold in MB below which capture logs a low-storage warning")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":          envPrefix + "DATA_DIR",
		"http-port":         envPrefix + "HTTP_PORT",
		"database-url":      envPrefix + "DATABASE_URL",
		"log-level":         envPrefix + "LOG_LEVEL",
		"log-format":        envPrefix + "LOG_FORMAT",
		"storage-backend":   envPrefix + "STORAGE_BACKEND",
		"s3-bucket":         envPrefix + "S3_BUCKET",
		"s3-region":         envPrefix + "S3_REGION",
		"s3-endpoint":       envPrefix + "S3_ENDPOINT",
		"s3-access-key":     envPrefix + "S3_ACCESS_KEY",
		"s3-secret-key":     envPrefix + "S3_SECRET_KEY",
		"public-base-url":   envPrefix + "PUBLIC_BASE_URL",
		"session-idle-mins": envPrefix + "SESSION_IDLE_MINS",
		"redis-addr":        envPrefix + "REDIS_ADDR",
		"jwt-secret":        envPrefix + "JWT_SECRET",
		"server-url":        envPrefix + "SERVER_URL",
		"agent-token":       envPrefix + "AGENT_TOKEN",
		"recordings-dir":    envPrefix + "RECORDINGS_DIR",
		"min-free-mb":       envPrefix + "MIN_FREE_MB",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "database-url":
			cfg.DatabaseURL = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "storage-backend":
			cfg.StorageBackend = val
		case "s3-bucket":
			cfg.S3Bucket = val
		case "s3-region":
			cfg.S3Region = val
		case "s3-endpoint":
			cfg.S3Endpoint = val
		case "s3-access-key":
			cfg.S3AccessKey = val
		case "s3-secret-key":
			cfg.S3SecretKey = val
		case "public-base-url":
			cfg.PublicBaseURL = val
		case "session-idle-mins":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SessionIdleMins = v
			}
		case "redis-addr":
			cfg.RedisAddr = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "server-url":
			cfg.ServerURL = val
		case "agent-token":
			cfg.AgentToken = val
		case "recordings-dir":
			cfg.RecordingsDir = val
		case "min-free-mb":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MinFreeMB = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	switch c.StorageBackend {
	case "filesystem":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("storage-backend s3 requires s3-bucket")
		}
	default:
		return fmt.Errorf("storage-backend must be filesystem or s3, got %q", c.StorageBackend)
	}

	if c.SessionIdleMins < 1 {
		return fmt.Errorf("session-idle-mins must be positive, got %d", c.SessionIdleMins)
	}
	if c.MinFreeMB < 0 {
		return fmt.Errorf("min-free-mb must not be negative, got %d", c.MinFreeMB)
	}

	return nil
}

// CaptureDir returns the agent's local capture directory, defaulting to
// a captures subdirectory of the data dir.
func (c *Config) CaptureDir() string {
	if c.RecordingsDir != "" {
		return c.RecordingsDir
	}
	return c.DataDir + "/captures"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
