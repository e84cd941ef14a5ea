package config

import (
	"strings"
	"testing"
	"time"
)

func clearStreamEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVER_PORT", "TCP_PORT", "NODE_ID", "CLUSTER_PEERS", "LOG_LEVEL", "CONFIG_FILE",
		"STREAM_ADMIN_TOKEN", "STREAM_ALLOWED_ORIGINS", "STREAM_MAX_CLIENTS",
		"STREAM_TICKER_INTERVAL", "STREAM_LOG_PATH", "STREAM_LOG_MAX_SIZE_MB",
		"STREAM_LOG_MAX_BACKUPS", "STREAM_LOG_MAX_AGE_DAYS", "STREAM_LOG_COMPRESS",
		"MUSIC_POLL_INTERVAL_S", "STREAM_MAX_PAYLOAD_BYTES",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearStreamEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.ServerPort != DefaultServerPort {
		t.Fatalf("expected default server port %d, got %d", DefaultServerPort, cfg.ServerPort)
	}
	if cfg.TCPPort != DefaultTCPPort {
		t.Fatalf("expected default tcp port %d, got %d", DefaultTCPPort, cfg.TCPPort)
	}
	if cfg.NodeID != DefaultNodeID {
		t.Fatalf("expected default node id %q, got %q", DefaultNodeID, cfg.NodeID)
	}
	if cfg.ClusterPeers != nil {
		t.Fatalf("expected no cluster peers, got %#v", cfg.ClusterPeers)
	}
	if cfg.TickerInterval != DefaultTickerInterval {
		t.Fatalf("expected default ticker interval %v, got %v", DefaultTickerInterval, cfg.TickerInterval)
	}
	if cfg.StackMaxEntries != DefaultStackMaxEntries {
		t.Fatalf("expected default stack max %d, got %d", DefaultStackMaxEntries, cfg.StackMaxEntries)
	}
	if cfg.MusicPollInterval != DefaultMusicPollInterval {
		t.Fatalf("expected default music poll interval %v, got %v", DefaultMusicPollInterval, cfg.MusicPollInterval)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.Logging.Level)
	}
	if cfg.Logging.Compress != DefaultLogCompress {
		t.Fatalf("expected default log compress %t, got %t", DefaultLogCompress, cfg.Logging.Compress)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearStreamEnv(t)
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("TCP_PORT", "9001")
	t.Setenv("NODE_ID", "server@zelan")
	t.Setenv("CLUSTER_PEERS", "server@zelan, server@umbra")
	t.Setenv("STREAM_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("STREAM_MAX_CLIENTS", "12")
	t.Setenv("STREAM_TICKER_INTERVAL", "20s")
	t.Setenv("MUSIC_POLL_INTERVAL_S", "15")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STREAM_LOG_COMPRESS", "false")
	t.Setenv("STREAM_ADMIN_TOKEN", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.ServerPort != 9000 || cfg.TCPPort != 9001 {
		t.Fatalf("unexpected ports server=%d tcp=%d", cfg.ServerPort, cfg.TCPPort)
	}
	if cfg.NodeID != "server@zelan" {
		t.Fatalf("unexpected node id %q", cfg.NodeID)
	}
	if len(cfg.ClusterPeers) != 2 || cfg.ClusterPeers[0] != "server@zelan" || cfg.ClusterPeers[1] != "server@umbra" {
		t.Fatalf("unexpected cluster peers: %#v", cfg.ClusterPeers)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.MaxClients != 12 {
		t.Fatalf("expected max clients 12, got %d", cfg.MaxClients)
	}
	if cfg.TickerInterval != 20*time.Second {
		t.Fatalf("expected ticker interval 20s, got %v", cfg.TickerInterval)
	}
	if cfg.MusicPollInterval != 15*time.Second {
		t.Fatalf("expected music poll interval 15s, got %v", cfg.MusicPollInterval)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected overridden log level debug, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Compress {
		t.Fatalf("expected log compression disabled")
	}
	if cfg.AdminToken != "s3cret" {
		t.Fatalf("expected overridden admin token, got %q", cfg.AdminToken)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearStreamEnv(t)
	t.Setenv("SERVER_PORT", "not-a-port")
	t.Setenv("STREAM_MAX_CLIENTS", "-1")
	t.Setenv("STREAM_TICKER_INTERVAL", "abc")
	t.Setenv("MUSIC_POLL_INTERVAL_S", "5")
	t.Setenv("STREAM_LOG_COMPRESS", "notabool")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"SERVER_PORT",
		"STREAM_MAX_CLIENTS",
		"STREAM_TICKER_INTERVAL",
		"MUSIC_POLL_INTERVAL_S",
		"STREAM_LOG_COMPRESS",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadIgnoresEmptyAllowedOrigins(t *testing.T) {
	clearStreamEnv(t)
	t.Setenv("STREAM_ALLOWED_ORIGINS", " , ,https://ok.example, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://ok.example" {
		t.Fatalf("expected single cleaned origin, got %#v", cfg.AllowedOrigins)
	}
}

func TestLoadAllowsUnlimitedClients(t *testing.T) {
	clearStreamEnv(t)
	t.Setenv("STREAM_MAX_CLIENTS", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.MaxClients != 0 {
		t.Fatalf("expected zero to disable limit, got %d", cfg.MaxClients)
	}
}
