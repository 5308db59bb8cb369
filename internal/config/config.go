package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TransportKind selects which Transport implementation the factory builds.
type TransportKind string

const (
	TransportRedis    TransportKind = "redis"
	TransportInMemory TransportKind = "in-memory"

	// DefaultTransport is used when MSGBUS_TRANSPORT is unset.
	DefaultTransport = TransportInMemory
	// DefaultRequestTimeout bounds Request calls that don't supply their own deadline.
	DefaultRequestTimeout = 5 * time.Second

	// DefaultRedisHost is the Redis connection target used when unset.
	DefaultRedisHost = "localhost"
	// DefaultRedisPort is the Redis connection port used when unset.
	DefaultRedisPort = 6379
	// DefaultRedisConnTimeout bounds the initial Redis dial.
	DefaultRedisConnTimeout = 5 * time.Second
	// DefaultRedisMaxConns caps the Redis connection pool.
	DefaultRedisMaxConns = 10

	// DefaultLogLevel controls verbosity for message bus logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "messagebus.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// RedisConfig captures connection tunables for the Redis transport.
type RedisConfig struct {
	Host              string
	Port              int
	Database          int
	Password          string
	ConnectionTimeout time.Duration
	MaxConnections    int
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config captures all runtime tunables for the message bus service.
type Config struct {
	Transport        TransportKind
	DevelopmentMode  bool
	RequestTimeout   time.Duration
	Redis            RedisConfig
	ServerID         string
	Logging          LoggingConfig
	JournalPath      string
	AdminAddr        string
	AdminTokenSecret string
}

// JournalEnabled reports whether the durability journal should be started.
func (c *Config) JournalEnabled() bool {
	return c.JournalPath != ""
}

// AdminSurfaceEnabled reports whether the admin WebSocket surface should be started.
func (c *Config) AdminSurfaceEnabled() bool {
	return c.AdminAddr != "" && c.AdminTokenSecret != ""
}

// EffectiveTransport resolves the transport to actually construct, honoring
// DevelopmentMode's override to in-memory regardless of the configured kind.
func (c *Config) EffectiveTransport() TransportKind {
	if c.DevelopmentMode {
		return TransportInMemory
	}
	return c.Transport
}

// Load reads the message bus configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Transport:       TransportKind(strings.ToLower(getString("MSGBUS_TRANSPORT", string(DefaultTransport)))),
		DevelopmentMode: false,
		RequestTimeout:  DefaultRequestTimeout,
		Redis: RedisConfig{
			Host:              getString("MSGBUS_REDIS_HOST", DefaultRedisHost),
			Port:              DefaultRedisPort,
			Database:          0,
			Password:          strings.TrimSpace(os.Getenv("MSGBUS_REDIS_PASSWORD")),
			ConnectionTimeout: DefaultRedisConnTimeout,
			MaxConnections:    DefaultRedisMaxConns,
		},
		ServerID: strings.TrimSpace(os.Getenv("MSGBUS_SERVER_ID")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("MSGBUS_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("MSGBUS_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		JournalPath:      strings.TrimSpace(os.Getenv("MSGBUS_JOURNAL_PATH")),
		AdminAddr:        strings.TrimSpace(os.Getenv("MSGBUS_ADMIN_ADDR")),
		AdminTokenSecret: strings.TrimSpace(os.Getenv("MSGBUS_ADMIN_TOKEN_SECRET")),
	}

	var problems []string

	if cfg.Transport != TransportRedis && cfg.Transport != TransportInMemory {
		problems = append(problems, fmt.Sprintf("MSGBUS_TRANSPORT must be %q or %q, got %q", TransportRedis, TransportInMemory, cfg.Transport))
	}

	if raw := strings.TrimSpace(os.Getenv("MSGBUS_DEV_MODE")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("MSGBUS_DEV_MODE must be a boolean value, got %q", raw))
		} else {
			cfg.DevelopmentMode = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGBUS_REQUEST_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("MSGBUS_REQUEST_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.RequestTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGBUS_REDIS_PORT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 || value > 65535 {
			problems = append(problems, fmt.Sprintf("MSGBUS_REDIS_PORT must be a valid port number, got %q", raw))
		} else {
			cfg.Redis.Port = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGBUS_REDIS_DB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 || value > 15 {
			problems = append(problems, fmt.Sprintf("MSGBUS_REDIS_DB must be between 0 and 15, got %q", raw))
		} else {
			cfg.Redis.Database = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGBUS_REDIS_CONN_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("MSGBUS_REDIS_CONN_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.Redis.ConnectionTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGBUS_REDIS_MAX_CONNS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGBUS_REDIS_MAX_CONNS must be a positive integer, got %q", raw))
		} else {
			cfg.Redis.MaxConnections = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGBUS_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGBUS_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGBUS_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MSGBUS_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGBUS_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MSGBUS_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGBUS_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("MSGBUS_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.AdminAddr == "") != (cfg.AdminTokenSecret == "") {
		problems = append(problems, "MSGBUS_ADMIN_ADDR and MSGBUS_ADMIN_TOKEN_SECRET must be provided together")
	}

	if cfg.ServerID == "" {
		cfg.ServerID = defaultServerID()
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func defaultServerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "server-unknown"
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
