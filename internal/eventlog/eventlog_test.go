package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bryanveloso/landale-sub013/internal/alert"
	"github.com/bryanveloso/landale-sub013/internal/bus"
)

func TestWriterAppendAndReadSegmentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clock := func() time.Time { return time.Unix(1700000000, 0) }

	w, err := NewWriter(dir, clock)
	require.NoError(t, err)

	env, err := alert.NewEnvelope("process.state_changed", map[string]string{"id": "obs"}, "")
	require.NoError(t, err)
	require.NoError(t, w.Append(env))
	require.NoError(t, w.Close())

	envelopes, err := ReadSegment(w.Path())
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	require.Equal(t, "process.state_changed", envelopes[0].Type)
}

func TestRecorderAppendsBusEnvelopesAndRotates(t *testing.T) {
	dir := t.TempDir()
	b := bus.New()
	clock := func() time.Time { return time.Unix(1700000000, 0) }

	rec, err := NewRecorder(dir, clock, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go rec.Run(ctx, b, 0)

	env, err := alert.NewEnvelope("process.state_changed", map[string]string{"id": "obs"}, "")
	require.NoError(t, err)
	b.Emit(env)

	require.Eventually(t, func() bool {
		appends, _ := rec.Stats()
		return appends == 1
	}, time.Second, 10*time.Millisecond)

	path, err := rec.DumpEventLog(context.Background())
	require.NoError(t, err)
	require.FileExists(t, path)

	cancel()
}

func TestRetentionSweepRemovesSegmentsBeyondMaxCount(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, "events-"+string(rune('a'+i))+".jsonl.sz")
		require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
	}

	r := NewRetention(dir, RetentionPolicy{MaxSegments: 2}, nil)
	r.RunOnce()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 2, r.Stats().Segments)
}
