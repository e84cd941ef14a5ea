// Package eventlog implements durable persistence of Event Bus envelopes
// (spec.md §1 scopes out "database persistence beyond the event log", which
// implies the event log itself is in scope). Segments are append-only,
// snappy-compressed JSONL files, one per writer lifetime, grounded in the
// compressed-sink shape of a teacher-provided artifact writer.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/bryanveloso/landale-sub013/internal/alert"
)

// Writer appends envelopes to a single compressed segment file.
type Writer struct {
	mu     sync.Mutex
	dir    string
	now    func() time.Time
	file   *os.File
	stream *snappy.Writer
	path   string
}

// NewWriter opens a fresh segment file under dir named by the current
// timestamp.
func NewWriter(dir string, clock func() time.Time) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("eventlog: directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("events-%s.jsonl.sz", clock().UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Writer{dir: dir, now: clock, file: file, stream: snappy.NewBufferedWriter(file), path: path}, nil
}

// Path reports the segment file currently being written.
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Append writes env as one JSONL record, flushing immediately so a crash
// loses at most the in-flight record.
func (w *Writer) Append(env alert.Envelope) error {
	if w == nil {
		return fmt.Errorf("eventlog: writer not initialised")
	}
	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.stream.Write(line); err != nil {
		return err
	}
	if _, err := w.stream.Write([]byte("\n")); err != nil {
		return err
	}
	return w.stream.Flush()
}

// Close flushes and releases the segment file handle.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	if err := w.stream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
