package eventlog

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bryanveloso/landale-sub013/internal/logging"
)

// RetentionPolicy bounds how many segments (and how old) are kept on disk.
// Adapted from a teacher artefact-retention sweep, simplified here since
// event log segments are flat files with no companion headers.
type RetentionPolicy struct {
	MaxSegments int
	MaxAge      time.Duration
}

// StorageStats summarises the event log's on-disk footprint.
type StorageStats struct {
	Segments  int
	Bytes     int64
	LastSweep time.Time
}

// Retention periodically prunes old segment files.
type Retention struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewRetention constructs a Retention sweeper for dir.
func NewRetention(dir string, policy RetentionPolicy, log *logging.Logger) *Retention {
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &Retention{dir: dir, policy: policy, log: log, now: time.Now}
}

// Run performs sweeps at interval until ctx is cancelled, with an eager
// first sweep on start.
func (r *Retention) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	r.sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// RunOnce performs a single sweep, for tests.
func (r *Retention) RunOnce() { r.sweep() }

// Stats returns the last recorded storage statistics.
func (r *Retention) Stats() StorageStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

type segment struct {
	path    string
	size    int64
	modTime time.Time
}

func (r *Retention) sweep() {
	if strings.TrimSpace(r.dir) == "" {
		return
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.log.Warn("eventlog retention scan failed", logging.Error(err), logging.String("directory", r.dir))
		return
	}

	segments := make([]segment, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		segments = append(segments, segment{path: filepath.Join(r.dir, entry.Name()), size: info.Size(), modTime: info.ModTime()})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].modTime.After(segments[j].modTime) })

	now := r.now()
	stats := StorageStats{LastSweep: now}
	for i, seg := range segments {
		remove := false
		if r.policy.MaxAge > 0 && now.Sub(seg.modTime) > r.policy.MaxAge {
			remove = true
		}
		if r.policy.MaxSegments > 0 && i >= r.policy.MaxSegments {
			remove = true
		}
		if remove {
			if err := os.Remove(seg.path); err != nil && !osIsNotExist(err) {
				r.log.Warn("eventlog retention removal failed", logging.Error(err), logging.String("segment", seg.path))
				stats.Segments++
				stats.Bytes += seg.size
			}
			continue
		}
		stats.Segments++
		stats.Bytes += seg.size
	}

	r.mu.Lock()
	r.stats = stats
	r.mu.Unlock()
}

func osIsNotExist(err error) bool {
	return err != nil && (err == fs.ErrNotExist || os.IsNotExist(err))
}
