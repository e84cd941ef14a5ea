package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/bryanveloso/landale-sub013/internal/alert"
	"github.com/bryanveloso/landale-sub013/internal/bus"
	"github.com/bryanveloso/landale-sub013/internal/logging"
)

// Recorder subscribes to the bus and durably appends every envelope to the
// current segment, rotating to a fresh segment on the configured interval.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	clock   func() time.Time
	log     *logging.Logger
	writer  *Writer
	appends int64
}

// NewRecorder opens the first segment under dir.
func NewRecorder(dir string, clock func() time.Time, log *logging.Logger) (*Recorder, error) {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = logging.NewTestLogger()
	}
	w, err := NewWriter(dir, clock)
	if err != nil {
		return nil, err
	}
	return &Recorder{dir: dir, clock: clock, log: log, writer: w}, nil
}

// Run subscribes to every bus envelope and appends it until ctx is
// cancelled, rotating to a new segment every rotateEvery.
func (r *Recorder) Run(ctx context.Context, b *bus.Bus, rotateEvery time.Duration) {
	ch, handle := b.Subscribe("*")
	defer b.Unsubscribe(handle)

	var rotate <-chan time.Time
	if rotateEvery > 0 {
		ticker := time.NewTicker(rotateEvery)
		defer ticker.Stop()
		rotate = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if err := r.append(env); err != nil {
				r.log.Warn("eventlog: append failed", logging.Field{Key: "error", Value: err.Error()})
			}
		case <-rotate:
			if err := r.rotate(); err != nil {
				r.log.Warn("eventlog: rotation failed", logging.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

func (r *Recorder) append(env alert.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writer.Append(env); err != nil {
		return err
	}
	r.appends++
	return nil
}

func (r *Recorder) rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writer.Close(); err != nil {
		return err
	}
	w, err := NewWriter(r.dir, r.clock)
	if err != nil {
		return err
	}
	r.writer = w
	return nil
}

// Close flushes and closes the active segment.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Close()
}

// Stats reports the count of appended envelopes and the active segment path.
func (r *Recorder) Stats() (appends int64, segment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appends, r.writer.Path()
}

// DumpEventLog rotates to a fresh segment and returns the just-closed
// segment's path, implementing httpapi.EventLogDumper for the
// /admin/eventlog/dump handler.
func (r *Recorder) DumpEventLog(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	finished := r.writer.Path()
	if err := r.writer.Close(); err != nil {
		return "", err
	}
	w, err := NewWriter(r.dir, r.clock)
	if err != nil {
		return "", err
	}
	r.writer = w
	return finished, nil
}
