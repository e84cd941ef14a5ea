package orchestrator

import (
	"sort"
	"time"

	"github.com/bryanveloso/landale-sub013/internal/alert"
)

// stack is the ordered multiset of submitted alerts (spec.md §3's
// "Interrupt Stack"). It holds whatever Submit pushes, of any type or
// priority; ticker-band alerts are not filtered out. It is owned
// exclusively by the Orchestrator task that wraps it; callers never touch
// it concurrently from outside.
type stack struct {
	entries   []alert.Alert
	maxSize   int
	lowWater  int
	overflows int64
}

func newStack(maxSize, lowWater int) *stack {
	if maxSize <= 0 {
		maxSize = 50
	}
	if lowWater <= 0 || lowWater > maxSize {
		lowWater = maxSize / 2
	}
	return &stack{maxSize: maxSize, lowWater: lowWater}
}

// push appends a as a new entry, sub-train coalescing having already been
// handled by the caller, then enforces the stack's bound.
func (s *stack) push(a alert.Alert) {
	s.entries = append(s.entries, a)
	s.enforceBound()
}

// findSubTrain returns the index of a non-expired sub_train entry, or -1.
func (s *stack) findSubTrain(now time.Time) int {
	for i, e := range s.entries {
		if e.Type == alert.TypeSubTrain && !e.Expired(now) {
			return i
		}
	}
	return -1
}

// removeExpired drops entries whose ttl_deadline has passed, returning the
// removed entries so the caller can emit alert.expired envelopes.
func (s *stack) removeExpired(now time.Time) []alert.Alert {
	kept := s.entries[:0:0]
	var expired []alert.Alert
	for _, e := range s.entries {
		if e.Expired(now) {
			expired = append(expired, e)
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return expired
}

// survivors returns a stably-sorted copy of non-expired entries ordered by
// (priority DESC, started_at ASC) per spec.md §4.3 step 2. It does not
// mutate the stack.
func (s *stack) survivors(now time.Time) []alert.Alert {
	out := make([]alert.Alert, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// enforceBound applies spec.md §4.3's overflow policy: expired entries are
// implicitly already pruned by the caller prior to push in normal
// operation, but push itself only needs the size-based low-water eviction
// since expiry is handled by removeExpired on the read path. Eviction
// drops the lowest-priority oldest entries until size <= lowWater.
func (s *stack) enforceBound() {
	if len(s.entries) <= s.maxSize {
		return
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		if s.entries[i].Priority != s.entries[j].Priority {
			return s.entries[i].Priority > s.entries[j].Priority
		}
		return s.entries[i].StartedAt.Before(s.entries[j].StartedAt)
	})
	dropped := len(s.entries) - s.lowWater
	if dropped > 0 {
		s.overflows += int64(dropped)
		s.entries = append([]alert.Alert(nil), s.entries[:s.lowWater]...)
	}
}

// size reports the current entry count, for observability and tests.
func (s *stack) size() int { return len(s.entries) }
