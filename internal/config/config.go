// Package config loads Stream Orchestrator runtime configuration from
// environment variables, applying sane defaults and accumulating every
// validation problem before returning a single error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultServerPort is the overlay/dashboard WebSocket + HTTP ops port.
	DefaultServerPort = 7175
	// DefaultTCPPort is the IronMON length-prefixed TCP listener port.
	DefaultTCPPort = 8080

	// DefaultPingInterval controls the overlay/dashboard keepalive cadence.
	DefaultPingInterval = 15 * time.Second
	// DefaultIdleTimeout closes a connection with no pong within this window.
	DefaultIdleTimeout = 90 * time.Second

	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent overlay/dashboard connections. Zero disables the limit.
	DefaultMaxClients = 256

	// DefaultTickerInterval is the rotation-tick cadence (spec.md §4.3).
	DefaultTickerInterval = 15 * time.Second

	// DefaultStackMaxEntries is the interrupt stack overflow ceiling.
	DefaultStackMaxEntries = 50
	// DefaultStackLowWater is the size the stack is pruned to on overflow.
	DefaultStackLowWater = 25

	// DefaultMusicPollInterval is the floor for the music adapter's poll cadence.
	DefaultMusicPollInterval = 10 * time.Second

	// DefaultSubscriberLagQueue bounds per-subscriber Event Bus backlog.
	DefaultSubscriberLagQueue = 1024

	// DefaultLogLevel controls verbosity for structured logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "streamorc.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultNodeID is used when NODE_ID is unset; single-node development fallback.
	DefaultNodeID = "server@localhost"

	// DefaultRPCDeadline bounds Fleet Router cross-node requests (spec.md §4.6).
	DefaultRPCDeadline = 5 * time.Second

	// DefaultEventLogDir is where durable envelope segments are written.
	DefaultEventLogDir = "storage/eventlog"
	// DefaultEventLogRotateInterval forces a fresh segment this often even
	// without an explicit dump request.
	DefaultEventLogRotateInterval = time.Hour
	// DefaultEventLogRetentionMaxSegments bounds how many segments are kept.
	DefaultEventLogRetentionMaxSegments = 168
	// DefaultEventLogRetentionMaxAge discards segments older than this.
	DefaultEventLogRetentionMaxAge = 7 * 24 * time.Hour
	// DefaultEventLogRetentionSweep is the cadence of the retention sweep.
	DefaultEventLogRetentionSweep = time.Hour

	// DefaultEventLogDumpWindow and DefaultEventLogDumpBurst bound how often
	// the admin event-log dump endpoint may be invoked.
	DefaultEventLogDumpWindow = time.Minute
	DefaultEventLogDumpBurst  = 30
)

// Config captures all runtime tunables for the orchestrator process.
type Config struct {
	ServerPort      int
	TCPPort         int
	NodeID          string
	ClusterPeers    []string
	ConfigFile      string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	MaxClients      int
	AdminToken      string
	AuthSecret      string

	TickerInterval    time.Duration
	StackMaxEntries   int
	StackLowWater     int
	MusicPollInterval time.Duration
	SubscriberLagSize int
	RPCDeadline       time.Duration

	EventLogDir             string
	EventLogRotateInterval  time.Duration
	EventLogRetentionMax    int
	EventLogRetentionMaxAge time.Duration
	EventLogRetentionSweep  time.Duration
	EventLogDumpWindow      time.Duration
	EventLogDumpBurst       int

	Logging LoggingConfig
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

// Load reads the orchestrator configuration from environment variables,
// applying defaults and returning a single descriptive error listing every
// invalid override found.
func Load() (*Config, error) {
	cfg := &Config{
		NodeID:            getString("NODE_ID", DefaultNodeID),
		ClusterPeers:      parseList(os.Getenv("CLUSTER_PEERS")),
		ConfigFile:        strings.TrimSpace(os.Getenv("CONFIG_FILE")),
		AllowedOrigins:    parseList(os.Getenv("STREAM_ALLOWED_ORIGINS")),
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
		PingInterval:      DefaultPingInterval,
		IdleTimeout:       DefaultIdleTimeout,
		MaxClients:        DefaultMaxClients,
		AdminToken:        strings.TrimSpace(os.Getenv("STREAM_ADMIN_TOKEN")),
		AuthSecret:        strings.TrimSpace(os.Getenv("STREAM_AUTH_SECRET")),
		TickerInterval:    DefaultTickerInterval,
		StackMaxEntries:   DefaultStackMaxEntries,
		StackLowWater:     DefaultStackLowWater,
		MusicPollInterval: DefaultMusicPollInterval,
		SubscriberLagSize: DefaultSubscriberLagQueue,
		RPCDeadline:       DefaultRPCDeadline,

		EventLogDir:             getString("STREAM_EVENTLOG_DIR", DefaultEventLogDir),
		EventLogRotateInterval:  DefaultEventLogRotateInterval,
		EventLogRetentionMax:    DefaultEventLogRetentionMaxSegments,
		EventLogRetentionMaxAge: DefaultEventLogRetentionMaxAge,
		EventLogRetentionSweep:  DefaultEventLogRetentionSweep,
		EventLogDumpWindow:      DefaultEventLogDumpWindow,
		EventLogDumpBurst:       DefaultEventLogDumpBurst,
		Logging: LoggingConfig{
			Level:      getString("LOG_LEVEL", DefaultLogLevel),
			Path:       getString("STREAM_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	cfg.ServerPort = intEnv("SERVER_PORT", DefaultServerPort, &problems)
	cfg.TCPPort = intEnv("TCP_PORT", DefaultTCPPort, &problems)

	if raw := strings.TrimSpace(os.Getenv("STREAM_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STREAM_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAM_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STREAM_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAM_TICKER_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("STREAM_TICKER_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.TickerInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MUSIC_POLL_INTERVAL_S")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MUSIC_POLL_INTERVAL_S must be a positive integer, got %q", raw))
		} else if time.Duration(value)*time.Second < DefaultMusicPollInterval {
			problems = append(problems, fmt.Sprintf("MUSIC_POLL_INTERVAL_S must be at least %d, got %d", int(DefaultMusicPollInterval.Seconds()), value))
		} else {
			cfg.MusicPollInterval = time.Duration(value) * time.Second
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAM_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STREAM_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAM_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STREAM_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAM_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STREAM_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAM_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("STREAM_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STREAM_EVENTLOG_DUMP_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STREAM_EVENTLOG_DUMP_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.EventLogDumpBurst = value
		}
	}

	if cfg.NodeID == "" {
		problems = append(problems, "NODE_ID must not be empty")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func intEnv(key string, fallback int, problems *[]string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 || value > 65535 {
		*problems = append(*problems, fmt.Sprintf("%s must be a valid port number, got %q", key, raw))
		return fallback
	}
	return value
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
