// Package alert defines the Stream Orchestrator's core data model
// (spec.md §3): the immutable Event Envelope every producer emits, and the
// Alert the orchestrator schedules onto overlays.
package alert

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the canonical, immutable unit every Source Adapter and every
// internal component emits onto the Event Bus. Once constructed an
// Envelope is never mutated; consumers that need a changed copy build a
// new one.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope constructs an Envelope with a generated id and the current
// timestamp. correlationID may be empty; callers that are continuing a
// causal chain should propagate the upstream value instead of leaving it
// blank.
func NewEnvelope(eventType string, payload any, correlationID string) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Envelope{
		ID:            uuid.NewString(),
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

// UnmarshalPayload decodes the envelope's raw payload into v.
func (e Envelope) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Priority bands, per spec.md §3: unknown alert types map to the ambient
// band rather than being rejected.
const (
	PriorityHard    = 100
	PriorityNotable = 50
	PriorityAmbient = 10
)

// Known alert type tags (spec.md §3, §GLOSSARY). Content-kind tags beyond
// this closed administrative set (emote_stats, recent_follows, ...) are
// carried in Data and do not need their own constant.
const (
	TypeAlert          = "alert"
	TypeSubTrain       = "sub_train"
	TypeManualOverride = "manual_override"
	TypeTicker         = "ticker"
)

// defaultDurationMs mirrors spec.md §3's per-type duration defaults.
var defaultDurationMs = map[string]int64{
	TypeAlert:          10_000,
	TypeSubTrain:       300_000,
	TypeManualOverride: 30_000,
	TypeTicker:         15_000,
}

// Alert is the unit scheduled by the Layer Orchestrator (spec.md §3).
type Alert struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Priority   int            `json:"priority"`
	Data       map[string]any `json:"data"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMs int64          `json:"duration_ms"`
}

// PriorityForType maps a known type to its canonical band; unknown types
// map to the ambient band (spec.md §3: "Unknown types map to 10").
func PriorityForType(alertType string) int {
	switch alertType {
	case TypeAlert:
		return PriorityHard
	case TypeSubTrain, TypeManualOverride:
		return PriorityNotable
	case TypeTicker:
		return PriorityAmbient
	default:
		return PriorityAmbient
	}
}

// New constructs an Alert, filling in id, priority, and duration defaults
// when the caller leaves them zero-valued.
func New(id, alertType string, data map[string]any, startedAt time.Time) Alert {
	if id == "" {
		id = uuid.NewString()
	}
	priority := PriorityForType(alertType)
	duration, ok := defaultDurationMs[alertType]
	if !ok {
		duration = defaultDurationMs[TypeTicker]
	}
	if data == nil {
		data = map[string]any{}
	}
	return Alert{
		ID:         id,
		Type:       alertType,
		Priority:   priority,
		Data:       data,
		StartedAt:  startedAt,
		DurationMs: duration,
	}
}

// Deadline returns the wall-clock expiry computed from StartedAt +
// DurationMs (spec.md §3's ttl_deadline invariant).
func (a Alert) Deadline() time.Time {
	return a.StartedAt.Add(time.Duration(a.DurationMs) * time.Millisecond)
}

// Expired reports whether the alert's ttl_deadline has passed as of now.
func (a Alert) Expired(now time.Time) bool {
	return !now.Before(a.Deadline())
}
