// Package config loads DriftDB's runtime configuration from
// environment variables, applying sane defaults and aggregating
// descriptive errors for invalid overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the service listens on.
	DefaultAddr = ":8787"
	// DefaultInactivityWindow is how long a room may sit idle before its
	// alarm fires and evicts it.
	DefaultInactivityWindow = 30 * time.Second
	// DefaultPingInterval controls the keepalive cadence for WebSocket
	// subscriber connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultNewRoomWindow bounds how frequently POST /new may be called
	// per client.
	DefaultNewRoomWindow = time.Minute
	// DefaultNewRoomBurst sets how many POST /new requests may be made
	// per window.
	DefaultNewRoomBurst = 30

	// DefaultAdminWindow bounds how frequently admin endpoints may be
	// called.
	DefaultAdminWindow = time.Minute
	// DefaultAdminBurst sets how many admin requests may be made per
	// window.
	DefaultAdminBurst = 10

	// DefaultLogLevel controls verbosity for DriftDB logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "driftdb.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultDurableStoragePath is where the embedded KV store persists
	// room snapshots.
	DefaultDurableStoragePath = "driftdb-rooms.db"
	// DefaultReplicaMirrorDir is empty, meaning replica mirroring is
	// disabled unless explicitly configured.
	DefaultReplicaMirrorDir = ""
)

// Config captures all runtime tunables for the service.
type Config struct {
	Address            string
	UseHTTPS           bool
	AllowedOrigins     []string
	InactivityWindow   time.Duration
	MaxPayloadBytes    int64
	PingInterval       time.Duration
	TLSCertPath        string
	TLSKeyPath         string
	AdminToken         string
	NewRoomWindow      time.Duration
	NewRoomBurst       int
	AdminWindow        time.Duration
	AdminBurst         int
	DurableStoragePath string
	ReplicaMirrorDir   string
	Logging            LoggingConfig
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

// Load reads the service configuration from environment variables,
// applying sane defaults and returning descriptive errors for invalid
// overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:          getString("DRIFTDB_ADDR", DefaultAddr),
		AllowedOrigins:   parseList(os.Getenv("DRIFTDB_ALLOWED_ORIGINS")),
		InactivityWindow: DefaultInactivityWindow,
		MaxPayloadBytes:  DefaultMaxPayloadBytes,
		PingInterval:     DefaultPingInterval,
		TLSCertPath:      strings.TrimSpace(os.Getenv("DRIFTDB_TLS_CERT")),
		TLSKeyPath:       strings.TrimSpace(os.Getenv("DRIFTDB_TLS_KEY")),
		AdminToken:       strings.TrimSpace(os.Getenv("DRIFTDB_ADMIN_TOKEN")),
		NewRoomWindow:    DefaultNewRoomWindow,
		NewRoomBurst:     DefaultNewRoomBurst,
		AdminWindow:      DefaultAdminWindow,
		AdminBurst:       DefaultAdminBurst,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("DRIFTDB_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("DRIFTDB_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		DurableStoragePath: getString("DRIFTDB_STORAGE_PATH", DefaultDurableStoragePath),
		ReplicaMirrorDir:   strings.TrimSpace(os.Getenv("DRIFTDB_REPLICA_MIRROR_DIR")),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("DRIFTDB_USE_HTTPS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("DRIFTDB_USE_HTTPS must be a boolean value, got %q", raw))
		} else {
			cfg.UseHTTPS = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DRIFTDB_INACTIVITY_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("DRIFTDB_INACTIVITY_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.InactivityWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DRIFTDB_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("DRIFTDB_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DRIFTDB_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("DRIFTDB_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DRIFTDB_NEW_ROOM_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("DRIFTDB_NEW_ROOM_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.NewRoomWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DRIFTDB_NEW_ROOM_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("DRIFTDB_NEW_ROOM_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.NewRoomBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DRIFTDB_ADMIN_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("DRIFTDB_ADMIN_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.AdminWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DRIFTDB_ADMIN_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("DRIFTDB_ADMIN_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.AdminBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DRIFTDB_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("DRIFTDB_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DRIFTDB_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("DRIFTDB_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DRIFTDB_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("DRIFTDB_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DRIFTDB_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("DRIFTDB_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "DRIFTDB_TLS_CERT and DRIFTDB_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return []string{"*"}
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	if len(values) == 0 {
		return []string{"*"}
	}
	return values
}
