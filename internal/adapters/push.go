package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/bryanveloso/landale-sub013/internal/alert"
	"github.com/bryanveloso/landale-sub013/internal/bus"
	"github.com/bryanveloso/landale-sub013/internal/logging"
)

// PushMessage is one decoded unit from a push-style provider (chat, subs,
// follows, redemptions, transcription captions): an envelope type, its
// payload, and a provider message id used for duplicate suppression.
type PushMessage struct {
	EnvelopeType string
	Payload      any
	MessageID    string
}

// PushSource is the minimal capability set a push adapter needs from its
// provider connection (spec.md §4.2's {connect, translate, disconnect}).
type PushSource interface {
	Connect(ctx context.Context) error
	ReadMessage(ctx context.Context) (PushMessage, error)
	Close() error
}

const dedupWindowSize = 4096

// PushAdapter drives a PushSource's reconnect/translate loop, suppressing
// duplicate provider message ids and surfacing connectivity as
// source.<name>.state_changed envelopes rather than propagating errors.
type PushAdapter struct {
	name   string
	source PushSource
	bus    *bus.Bus
	log    *logging.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	seenFIFO []string
}

// NewPushAdapter constructs a PushAdapter named name, publishing translated
// envelopes and state changes onto b.
func NewPushAdapter(name string, source PushSource, b *bus.Bus, log *logging.Logger) *PushAdapter {
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &PushAdapter{
		name:   name,
		source: source,
		bus:    b,
		log:    log,
		seen:   make(map[string]struct{}),
	}
}

// Run drives the adapter until ctx is cancelled: connect, read until error,
// reconnect with exponential backoff, and a long pause after maxAttempts
// consecutive failures (spec.md §4.2).
func (a *PushAdapter) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := a.source.Connect(ctx); err != nil {
			attempt++
			a.publishState("disconnected", err)
			if !a.sleepBeforeRetry(ctx, attempt) {
				return
			}
			continue
		}
		attempt = 0
		a.publishState("connected", nil)
		a.readUntilError(ctx)
		_ = a.source.Close()
		attempt++
		a.publishState("disconnected", nil)
		if !a.sleepBeforeRetry(ctx, attempt) {
			return
		}
	}
}

func (a *PushAdapter) sleepBeforeRetry(ctx context.Context, attempt int) bool {
	delay := backoffDelay(attempt)
	if attempt > maxAttempts {
		delay = longPause
		attempt = 0
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (a *PushAdapter) readUntilError(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := a.source.ReadMessage(ctx)
		if err != nil {
			return
		}
		if a.duplicate(msg.MessageID) {
			continue
		}
		a.publish(msg.EnvelopeType, msg.Payload)
	}
}

func (a *PushAdapter) duplicate(messageID string) bool {
	if messageID == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[messageID]; ok {
		return true
	}
	a.seen[messageID] = struct{}{}
	a.seenFIFO = append(a.seenFIFO, messageID)
	if len(a.seenFIFO) > dedupWindowSize {
		evict := a.seenFIFO[0]
		a.seenFIFO = a.seenFIFO[1:]
		delete(a.seen, evict)
	}
	return false
}

func (a *PushAdapter) publishState(state string, err error) {
	payload := map[string]any{"state": state}
	if err != nil {
		payload["error"] = err.Error()
	}
	a.publish("source."+a.name+".state_changed", payload)
}

func (a *PushAdapter) publish(eventType string, payload any) {
	if a.bus == nil {
		return
	}
	env, err := alert.NewEnvelope(eventType, payload, "")
	if err != nil {
		a.log.Warn("adapter: failed to build envelope", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	a.bus.Emit(env)
}
