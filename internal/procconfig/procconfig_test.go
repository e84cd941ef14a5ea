package procconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "ironmon": {
    "command": "ironmon-connector",
    "args": ["--port", "8080"],
    "auto_restart": true,
    "max_restarts": 3,
    "restart_window_s": 60,
    "health_check": {"kind": "tcp", "host_port": "127.0.0.1:8080", "interval_s": 5, "timeout_s": 2}
  }
}`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "processes.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesProcessSpecs(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	f, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, f, "ironmon")

	spec := f["ironmon"]
	cfg := spec.ToRecordConfig("ironmon")
	require.Equal(t, "ironmon", cfg.ID)
	require.Equal(t, "ironmon-connector", cfg.Command)
	require.True(t, cfg.AutoRestart)
	require.Equal(t, 3, cfg.MaxRestarts)
	require.Equal(t, 60*time.Second, cfg.RestartWindow)
	require.NotNil(t, cfg.HealthCheck)
	require.Equal(t, "tcp", cfg.HealthCheck.Kind)
	require.Equal(t, 5*time.Second, cfg.HealthCheck.Interval)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeTempConfig(t, "{not valid json")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestWatcherReloadsOnFileWrite(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	changed := make(chan File, 1)
	w, err := New(path, nil, func(f File) { changed <- f })
	require.NoError(t, err)
	require.Contains(t, w.Current(), "ironmon")

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- w.Watch(stop) }()

	// Give the watcher a moment to register its directory watch before the
	// write, matching the hot-reload system's own polling grace period.
	time.Sleep(100 * time.Millisecond)

	updated := `{
  "ironmon": {"command": "ironmon-connector", "auto_restart": false, "max_restarts": 0, "restart_window_s": 0},
  "transcription": {"command": "whisper-relay", "auto_restart": true, "max_restarts": 5, "restart_window_s": 30}
}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case f := <-changed:
		require.Contains(t, f, "transcription")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	close(stop)
	require.NoError(t, <-done)
}
