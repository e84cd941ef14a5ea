package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/bryanveloso/landale-sub013/internal/alert"
	"github.com/bryanveloso/landale-sub013/internal/bus"
	"github.com/bryanveloso/landale-sub013/internal/errs"
	"github.com/bryanveloso/landale-sub013/internal/logging"
	"github.com/bryanveloso/landale-sub013/internal/metrics"
)

const defaultSettleWindow = 500 * time.Millisecond
const defaultGracefulTimeout = 5 * time.Second

// Option configures a Supervisor at construction.
type Option func(*Supervisor)

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Supervisor) { s.clock = clock }
}

// WithSpawner overrides how processes are launched, for tests.
func WithSpawner(spawn Spawner) Option {
	return func(s *Supervisor) { s.spawn = spawn }
}

// WithLogger installs a structured logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithMetrics wires per-process restart and state gauges into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// Supervisor owns a node's Process Records (spec.md §4.5). Records are
// created only by AddProcess; Start/Stop drive the state machine; all
// mutation passes through s.mu, matching the orchestrator's single-owner
// discipline for shared maps.
type Supervisor struct {
	mu      sync.Mutex
	records map[string]*Record
	procs   map[string]Process

	bus     *bus.Bus
	log     *logging.Logger
	clock   func() time.Time
	spawn   Spawner
	metrics *metrics.Metrics
}

// New constructs a Supervisor publishing process.* envelopes onto b.
func New(b *bus.Bus, opts ...Option) *Supervisor {
	s := &Supervisor{
		records: make(map[string]*Record),
		procs:   make(map[string]Process),
		bus:     b,
		clock:   time.Now,
		spawn:   DefaultSpawner,
		log:     logging.NewTestLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddProcess registers a new, stopped Process Record. It is an error to add
// a process id twice.
func (s *Supervisor) AddProcess(cfg Config) error {
	if cfg.ID == "" {
		return errs.New(errs.CodeInvalidConfig, "process id must not be empty", nil)
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[cfg.ID]; exists {
		return errs.New(errs.CodeAlreadyExists, fmt.Sprintf("process %q already registered", cfg.ID), nil)
	}
	s.records[cfg.ID] = &Record{Config: cfg, State: StateStopped, HealthState: HealthUnknown}
	return nil
}

// RemoveProcess deletes a stopped process's record (spec.md §4.3's "Process
// Records ... destroyed by explicit removal").
func (s *Supervisor) RemoveProcess(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return errs.New(errs.CodeNotFound, fmt.Sprintf("process %q not found", id), nil)
	}
	if rec.State != StateStopped && rec.State != StateFailed {
		return errs.New(errs.CodeInvalidState, fmt.Sprintf("process %q must be stopped before removal", id), nil)
	}
	delete(s.records, id)
	return nil
}

// Start begins a process, legal from stopped or failed (spec.md §4.5), and
// from backoff, which is how the restart timer re-enters starting.
// It performs the pre-flight port-conflict check before spawning.
func (s *Supervisor) Start(id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return errs.New(errs.CodeNotFound, fmt.Sprintf("process %q not found", id), nil)
	}
	if rec.State != StateStopped && rec.State != StateFailed && rec.State != StateBackoff {
		s.mu.Unlock()
		return errs.New(errs.CodeInvalidState, fmt.Sprintf("process %q cannot start from state %s", id, rec.State), nil)
	}
	for _, port := range rec.Config.Ports {
		if holder := s.portHolderLocked(port, id); holder != "" {
			s.mu.Unlock()
			return errs.New(errs.CodePortInUse, fmt.Sprintf("port %d already held by %q", port, holder), nil)
		}
	}
	for _, port := range rec.Config.Ports {
		if !portAvailable(port) {
			s.mu.Unlock()
			return errs.New(errs.CodePortInUse, fmt.Sprintf("port %d already bound", port), nil)
		}
	}
	rec.State = StateStarting
	s.mu.Unlock()
	s.publishStateChanged(id, StateStarting)

	proc, err := s.spawn(rec.Config)
	if err != nil {
		s.mu.Lock()
		rec.State = StateFailed
		rec.LastExitReason = err.Error()
		s.mu.Unlock()
		s.publishStateChanged(id, StateFailed)
		return errs.Wrap(errs.CodeFatal, "spawn failed", err)
	}

	s.mu.Lock()
	s.procs[id] = proc
	rec.PID = proc.PID()
	rec.StartedAt = s.clock()
	s.mu.Unlock()

	go s.monitor(id, proc)

	// onExit (driven by the monitor goroutine above) is the single consumer
	// of proc.Done(); the settle window only observes rec.State afterward,
	// so an unexpectedly fast exit during startup is never read twice.
	time.Sleep(defaultSettleWindow)
	s.mu.Lock()
	settledToRunning := rec.State == StateStarting
	if settledToRunning {
		rec.State = StateRunning
	}
	s.mu.Unlock()
	if settledToRunning {
		s.publishStateChanged(id, StateRunning)
	}
	return nil
}

// Stop requests graceful termination, legal from running/starting/backoff.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return errs.New(errs.CodeNotFound, fmt.Sprintf("process %q not found", id), nil)
	}
	if rec.State == StateStopped {
		s.mu.Unlock()
		return nil
	}
	if rec.State != StateRunning && rec.State != StateStarting && rec.State != StateBackoff {
		s.mu.Unlock()
		return errs.New(errs.CodeInvalidState, fmt.Sprintf("process %q cannot stop from state %s", id, rec.State), nil)
	}
	proc := s.procs[id]
	rec.State = StateStopping
	graceful := rec.Config.GracefulTimeout
	s.mu.Unlock()
	s.publishStateChanged(id, StateStopping)

	if proc == nil {
		// Backoff state: no live process, just land on stopped.
		s.mu.Lock()
		rec.State = StateStopped
		s.mu.Unlock()
		s.publishStateChanged(id, StateStopped)
		return nil
	}

	_ = proc.Signal(syscall.SIGTERM)
	// monitor() is the sole reader of proc.Done() and owns the transition to
	// stopped via onExit; this goroutine only escalates to SIGKILL if the
	// process hasn't exited by the graceful deadline.
	go func() {
		time.Sleep(graceful)
		s.mu.Lock()
		stillStopping := rec.State == StateStopping
		s.mu.Unlock()
		if stillStopping {
			_ = proc.Kill()
		}
	}()
	return nil
}

// Status returns a copy of the named process's current record.
func (s *Supervisor) Status(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of every registered record, stable-ordered by id
// for deterministic dashboard rendering.
func (s *Supervisor) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// portHolderLocked returns the id of a different running/starting process
// already declaring port, or "" if none. Caller holds s.mu.
func (s *Supervisor) portHolderLocked(port int, exclude string) string {
	for id, rec := range s.records {
		if id == exclude {
			continue
		}
		if rec.State != StateRunning && rec.State != StateStarting {
			continue
		}
		for _, p := range rec.Config.Ports {
			if p == port {
				return id
			}
		}
	}
	return ""
}

func (s *Supervisor) monitor(id string, proc Process) {
	err := <-proc.Done()
	s.onExit(id, err)
}

// onExit handles an observed process exit: clean exits stop, unexpected
// exits apply restart-storm protection (spec.md §4.5).
func (s *Supervisor) onExit(id string, exitErr error) {
	now := s.clock()
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.procs, id)

	if rec.State == StateStopping {
		rec.State = StateStopped
		rec.LastExitReason = exitReason(exitErr)
		s.mu.Unlock()
		s.publishStateChanged(id, StateStopped)
		return
	}

	if exitErr == nil && !rec.Config.Daemon {
		rec.State = StateStopped
		rec.LastExitReason = "exit(0)"
		s.mu.Unlock()
		s.publishStateChanged(id, StateStopped)
		return
	}

	rec.LastExitReason = exitReason(exitErr)

	if !rec.Config.AutoRestart {
		rec.State = StateFailed
		s.mu.Unlock()
		s.publishStateChanged(id, StateFailed)
		return
	}

	window := rec.Config.RestartWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	rec.RestartWindow = pruneWindow(rec.RestartWindow, now, window)

	if len(rec.RestartWindow) >= rec.Config.MaxRestarts {
		rec.State = StateFailed
		s.mu.Unlock()
		s.publishStateChanged(id, StateFailed)
		s.publish("process.giving_up", map[string]any{"process": id})
		return
	}

	rec.RestartWindow = append(rec.RestartWindow, now)
	delay := backoffDuration(len(rec.RestartWindow))
	rec.State = StateBackoff
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RestartsTotal.WithLabelValues(id).Inc()
	}
	s.publishStateChanged(id, StateBackoff)

	time.AfterFunc(delay, func() {
		s.mu.Lock()
		rec, ok := s.records[id]
		if !ok || rec.State != StateBackoff {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		_ = s.Start(id)
	})
}

func exitReason(err error) string {
	if err == nil {
		return "exit(0)"
	}
	return err.Error()
}

func (s *Supervisor) publishStateChanged(id string, state State) {
	if s.metrics != nil {
		for _, candidate := range []State{StateStopped, StateStarting, StateRunning, StateStopping, StateFailed, StateBackoff} {
			value := 0.0
			if candidate == state {
				value = 1.0
			}
			s.metrics.ProcessState.WithLabelValues(id, string(candidate)).Set(value)
		}
	}
	s.publish("process.state_changed", map[string]any{"process": id, "state": string(state)})
}

func (s *Supervisor) publish(eventType string, payload any) {
	if s.bus == nil {
		return
	}
	env, err := alert.NewEnvelope(eventType, payload, "")
	if err != nil {
		s.log.Warn("supervisor: failed to build envelope", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	s.bus.Emit(env)
}
