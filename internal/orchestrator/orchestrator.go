// Package orchestrator implements the Interrupt Stack, Ticker Rotator, and
// Layer Orchestrator (spec.md §4.3): the active-alert algorithm that
// decides, at every moment, the single piece of content live on the
// overlay.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/bryanveloso/landale-sub013/internal/alert"
	"github.com/bryanveloso/landale-sub013/internal/bus"
	"github.com/bryanveloso/landale-sub013/internal/logging"
	"github.com/bryanveloso/landale-sub013/internal/metrics"
)

// Priority level strings (spec.md §3, §4.3).
const (
	LevelAlert    = "alert"
	LevelSubTrain = "sub_train"
	LevelTicker   = "ticker"
)

// StreamState is the externally observed triple (spec.md §3).
type StreamState struct {
	CurrentShow   string      `json:"current_show"`
	PriorityLevel string      `json:"priority_level"`
	ActiveContent *alert.Alert `json:"active_content"`
}

// Translator converts a matched Envelope into an Alert to submit. Adapters
// never call the Orchestrator directly (spec.md §4.2); this is the single
// seam by which the Orchestrator interprets bus traffic, kept pluggable
// since the spec leaves the full per-source payload shape external.
type Translator func(env alert.Envelope) (alert.Alert, bool)

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithShowMapping sets the game-id → show name table and its default.
func WithShowMapping(byGameID map[int]string, defaultShow string) Option {
	return func(o *Orchestrator) {
		o.showByGame = byGameID
		o.defaultShow = defaultShow
	}
}

// WithTicker seeds the ambient rotation content.
func WithTicker(tags []string) Option {
	return func(o *Orchestrator) { o.ticker = newTicker(tags) }
}

// WithStackLimits overrides the interrupt stack's overflow bounds.
func WithStackLimits(maxSize, lowWater int) Option {
	return func(o *Orchestrator) { o.stack = newStack(maxSize, lowWater) }
}

// WithTranslator registers a Translator for a specific envelope type.
func WithTranslator(eventType string, t Translator) Option {
	return func(o *Orchestrator) { o.translators[eventType] = t }
}

// WithLogger installs a structured logger.
func WithLogger(log *logging.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics wires stack-overflow and state-transition counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator owns the interrupt stack and ticker cursor. All mutation
// passes through its mutex, matching spec.md §5's single-owner-task
// requirement for stack/rotator state.
type Orchestrator struct {
	mu sync.Mutex

	stack  *stack
	ticker *ticker
	bus     *bus.Bus
	log     *logging.Logger
	clock   func() time.Time
	metrics *metrics.Metrics

	showByGame    map[int]string
	defaultShow   string
	currentGameID int

	translators map[string]Translator

	current StreamState
}

// New constructs an Orchestrator publishing stream.state transitions onto b.
func New(b *bus.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		stack:       newStack(50, 25),
		ticker:      newTicker(nil),
		bus:         b,
		clock:       time.Now,
		defaultShow: "variety",
		translators: make(map[string]Translator),
		log:         logging.NewTestLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.current = o.computeStateLocked()
	return o
}

// Run subscribes to the bus and translates matched envelopes into alerts
// until ctx is cancelled. It is the production wiring path; tests and
// adapters may instead call Submit directly.
func (o *Orchestrator) Run(ctx context.Context) {
	ch, handle := o.bus.Subscribe("*")
	go func() {
		defer o.bus.Unsubscribe(handle)
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-ch:
				if !ok {
					return
				}
				o.handleEnvelope(env)
			}
		}
	}()
}

func (o *Orchestrator) handleEnvelope(env alert.Envelope) {
	log := logging.WithCorrelation(o.log, env.CorrelationID)
	if env.Type == "meta.game_changed" {
		o.handleGameChanged(env)
		return
	}
	o.mu.Lock()
	translator, ok := o.translators[env.Type]
	o.mu.Unlock()
	if !ok {
		return
	}
	a, ok := translator(env)
	if !ok {
		log.Warn("orchestrator: translator declined envelope", logging.String("event_type", env.Type))
		return
	}
	o.Submit(a)
}

type gameChangedPayload struct {
	GameID int `json:"game_id"`
}

func (o *Orchestrator) handleGameChanged(env alert.Envelope) {
	var payload gameChangedPayload
	if err := env.UnmarshalPayload(&payload); err != nil {
		o.log.Warn("orchestrator: malformed meta.game_changed payload", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	o.mu.Lock()
	o.currentGameID = payload.GameID
	o.mu.Unlock()
	o.recomputeAndPublish()
}

// Submit pushes an alert onto the interrupt stack (with sub-train
// coalescing, spec.md §4.3) and recomputes the active alert, publishing a
// stream.state transition if it changed.
func (o *Orchestrator) Submit(a alert.Alert) {
	now := o.clock()
	o.mu.Lock()
	if a.StartedAt.IsZero() {
		a.StartedAt = now
	}

	if a.Type == alert.TypeSubTrain {
		if idx := o.stack.findSubTrain(now); idx >= 0 {
			o.coalesceSubTrain(idx, a, now)
			o.mu.Unlock()
			o.recomputeAndPublish()
			return
		}
	}

	expired := o.stack.removeExpired(now)
	before := o.stack.overflows
	o.stack.push(a)
	if o.metrics != nil && o.stack.overflows > before {
		o.metrics.StackOverflows.Add(float64(o.stack.overflows - before))
	}
	o.mu.Unlock()

	for _, e := range expired {
		o.publishExpired(e)
	}
	o.recomputeAndPublish()
}

// coalesceSubTrain merges a new subscription event into the existing
// sub_train entry at idx, per spec.md §4.3: increment count, update
// latest, refresh ttl_deadline to now+300000ms. Caller holds o.mu.
func (o *Orchestrator) coalesceSubTrain(idx int, incoming alert.Alert, now time.Time) {
	existing := o.stack.entries[idx]
	count, _ := existing.Data["count"].(int)
	if count == 0 {
		if f, ok := existing.Data["count"].(float64); ok {
			count = int(f)
		}
	}
	count++
	existing.Data["count"] = count
	if latest, ok := incoming.Data["latest"]; ok {
		existing.Data["latest"] = latest
	}
	existing.DurationMs = int64(now.Sub(existing.StartedAt)/time.Millisecond) + 300_000
	o.stack.entries[idx] = existing
}

// RotationTick advances the ticker cursor only if the currently active
// alert is the synthetic ticker item (spec.md §4.3's "Rotation tick"),
// then recomputes and publishes if the active alert changed.
func (o *Orchestrator) RotationTick() {
	now := o.clock()
	o.mu.Lock()
	survivors := o.stack.survivors(now)
	if len(survivors) == 0 {
		o.ticker.advance()
	}
	o.mu.Unlock()
	o.recomputeAndPublish()
}

// ActiveAlert computes the active alert deterministically (spec.md §4.3
// steps 1-3) without mutating state, for read-only queries (tests,
// dashboard status).
func (o *Orchestrator) ActiveAlert() (alert.Alert, bool) {
	now := o.clock()
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeAlertLocked(now)
}

func (o *Orchestrator) activeAlertLocked(now time.Time) (alert.Alert, bool) {
	survivors := o.stack.survivors(now)
	if len(survivors) > 0 {
		return survivors[0], true
	}
	if o.ticker.empty() {
		return alert.Alert{}, false
	}
	tag := o.ticker.current()
	return alert.New("", alert.TypeTicker, map[string]any{"tag": tag}, now), true
}

// priorityLevelLocked derives the priority level from real stack survivors
// only, never the synthetic ticker (spec.md §4.3, and §9's resolved Open
// Question: uses >=, never ===).
func priorityLevelLocked(survivors []alert.Alert) string {
	for _, e := range survivors {
		if e.Priority >= alert.PriorityHard {
			return LevelAlert
		}
	}
	for _, e := range survivors {
		if e.Priority >= alert.PriorityNotable {
			return LevelSubTrain
		}
	}
	return LevelTicker
}

func (o *Orchestrator) currentShowLocked() string {
	if show, ok := o.showByGame[o.currentGameID]; ok {
		return show
	}
	return o.defaultShow
}

func (o *Orchestrator) computeStateLocked() StreamState {
	now := o.clock()
	expired := o.stack.removeExpired(now)
	for _, e := range expired {
		o.publishExpired(e)
	}
	survivors := o.stack.survivors(now)
	active, ok := o.activeAlertLocked(now)
	state := StreamState{
		CurrentShow:   o.currentShowLocked(),
		PriorityLevel: priorityLevelLocked(survivors),
	}
	if ok {
		a := active
		state.ActiveContent = &a
	}
	return state
}

// recomputeAndPublish recomputes state under the lock, then emits
// stream.state on the bus exactly when the triple changed (spec.md
// §4.3's "Transitions emit state").
func (o *Orchestrator) recomputeAndPublish() {
	o.mu.Lock()
	next := o.computeStateLocked()
	changed := !statesEqual(o.current, next)
	o.current = next
	o.mu.Unlock()

	if changed {
		if o.metrics != nil {
			o.metrics.StateTransitions.Inc()
		}
		o.publish("stream.state", next)
	}
}

func statesEqual(a, b StreamState) bool {
	if a.CurrentShow != b.CurrentShow || a.PriorityLevel != b.PriorityLevel {
		return false
	}
	if (a.ActiveContent == nil) != (b.ActiveContent == nil) {
		return false
	}
	if a.ActiveContent == nil {
		return true
	}
	return a.ActiveContent.ID == b.ActiveContent.ID &&
		a.ActiveContent.Type == b.ActiveContent.Type &&
		a.ActiveContent.Priority == b.ActiveContent.Priority
}

func (o *Orchestrator) publishExpired(a alert.Alert) {
	o.publish("alert.expired", a)
}

func (o *Orchestrator) publish(eventType string, payload any) {
	if o.bus == nil {
		return
	}
	env, err := alert.NewEnvelope(eventType, payload, "")
	if err != nil {
		o.log.Warn("orchestrator: failed to build envelope", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	o.bus.Emit(env)
}

// CurrentState returns the last published StreamState, for HTTP/WS
// snapshot handlers (spec.md §4.4's "connect(client)").
func (o *Orchestrator) CurrentState() StreamState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// StackSize reports the current interrupt stack size, for tests and
// observability.
func (o *Orchestrator) StackSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stack.size()
}
