package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bryanveloso/landale-sub013/internal/alert"
	"github.com/bryanveloso/landale-sub013/internal/bus"
	"github.com/bryanveloso/landale-sub013/internal/logging"
	"github.com/bryanveloso/landale-sub013/internal/rotation"
)

// MinPollInterval is the spec's floor on music polling cadence (spec.md
// §4.2: "poll interval ≥ 10 s").
const MinPollInterval = 10 * time.Second

// Track identifies one polled now-playing result.
type Track struct {
	ID        string
	StartTime time.Time
	Payload   any
}

// PollFunc fetches the current now-playing track, if any.
type PollFunc func(ctx context.Context) (Track, bool, error)

// MusicPoller polls a provider for now-playing state at a fixed interval,
// de-duplicating by track identity + start_time (spec.md §4.2).
type MusicPoller struct {
	name string
	poll PollFunc
	bus  *bus.Bus
	log  *logging.Logger

	mu   sync.Mutex
	last string

	driver *rotation.Driver
}

// NewMusicPoller constructs a MusicPoller. interval is floored to
// MinPollInterval.
func NewMusicPoller(name string, interval time.Duration, poll PollFunc, b *bus.Bus, log *logging.Logger) *MusicPoller {
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	if log == nil {
		log = logging.NewTestLogger()
	}
	m := &MusicPoller{name: name, poll: poll, bus: b, log: log}
	m.driver = rotation.NewDriver(interval, func(time.Time) { m.tick(context.Background()) })
	return m
}

// Run starts polling until ctx is cancelled.
func (m *MusicPoller) Run(ctx context.Context) {
	m.driver.Start(ctx)
}

func (m *MusicPoller) tick(ctx context.Context) {
	track, ok, err := m.poll(ctx)
	if err != nil {
		m.publish("source."+m.name+".state_changed", map[string]any{"state": "error", "error": err.Error()})
		return
	}
	if !ok {
		return
	}
	key := fmt.Sprintf("%s@%d", track.ID, track.StartTime.Unix())
	m.mu.Lock()
	duplicate := key == m.last
	m.last = key
	m.mu.Unlock()
	if duplicate {
		return
	}
	m.publish("source.music.now_playing", track.Payload)
}

func (m *MusicPoller) publish(eventType string, payload any) {
	if m.bus == nil {
		return
	}
	env, err := alert.NewEnvelope(eventType, payload, "")
	if err != nil {
		m.log.Warn("music poller: failed to build envelope", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	m.bus.Emit(env)
}
