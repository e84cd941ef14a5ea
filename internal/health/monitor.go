// Package health implements the Health Monitor (spec.md §4.6): periodic
// HTTP/TCP checks per supervised process with two-failures/one-success
// hysteresis, publishing process.health_changed onto the Event Bus.
package health

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bryanveloso/landale-sub013/internal/alert"
	"github.com/bryanveloso/landale-sub013/internal/bus"
	"github.com/bryanveloso/landale-sub013/internal/logging"
	"github.com/bryanveloso/landale-sub013/internal/metrics"
	"github.com/bryanveloso/landale-sub013/internal/rotation"
)

// CheckKind selects the check protocol.
type CheckKind string

const (
	CheckHTTP CheckKind = "http"
	CheckTCP  CheckKind = "tcp"
)

// State mirrors supervisor.HealthState without importing that package,
// keeping health a leaf dependency usable from both supervisor and
// dashboards.
type State string

const (
	StateUnknown   State = "unknown"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

// Check configures one process's health probe.
type Check struct {
	Process  string
	Kind     CheckKind
	URL      string
	Address  string
	Interval time.Duration
	Timeout  time.Duration
}

type tracker struct {
	check             Check
	consecutiveFail   int
	state             State
	driver            *rotation.Driver
	latency           *rotation.LatencyMonitor
}

// Monitor runs one ticking goroutine per registered check and applies
// hysteresis to derive State from raw probe results.
type Monitor struct {
	mu       sync.Mutex
	trackers map[string]*tracker
	bus      *bus.Bus
	log      *logging.Logger
	client   *http.Client
	metrics  *metrics.Metrics
}

// New constructs a Monitor publishing process.health_changed onto b.
func New(b *bus.Bus, log *logging.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = logging.NewTestLogger()
	}
	m := &Monitor{
		trackers: make(map[string]*tracker),
		bus:      b,
		log:      log,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

// WithMetrics wires the consecutive health-check-failure counter into m.
func WithMetrics(met *metrics.Metrics) Option {
	return func(mon *Monitor) { mon.metrics = met }
}

// Register starts checking a process per check's interval. The check runs
// until ctx is cancelled, which stops its driver and drops its tracker.
func (m *Monitor) Register(ctx context.Context, check Check) {
	t := &tracker{check: check, state: StateUnknown, latency: rotation.NewLatencyMonitor()}
	t.driver = rotation.NewDriver(check.Interval, func(tickCtx time.Time) {
		m.runCheck(t)
	})

	m.mu.Lock()
	m.trackers[check.Process] = t
	m.mu.Unlock()

	t.driver.Start(ctx)
	go func() {
		<-ctx.Done()
		t.driver.Stop()
		m.mu.Lock()
		delete(m.trackers, check.Process)
		m.mu.Unlock()
	}()
}

// State reports the last known health state for a process.
func (m *Monitor) State(process string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[process]
	if !ok {
		return StateUnknown, false
	}
	return t.state, true
}

func (m *Monitor) runCheck(t *tracker) {
	start := time.Now()
	ok := probe(t.check, m.client)
	t.latency.Observe(time.Since(start))

	m.mu.Lock()
	prev := t.state
	if ok {
		t.consecutiveFail = 0
		t.state = StateHealthy
	} else {
		t.consecutiveFail++
		if t.consecutiveFail >= 2 {
			t.state = StateUnhealthy
		}
	}
	changed := t.state != prev
	newState := t.state
	m.mu.Unlock()

	if !ok && m.metrics != nil {
		m.metrics.HealthFailures.WithLabelValues(t.check.Process).Inc()
	}
	if changed {
		m.publish(t.check.Process, newState)
	}
}

func probe(c Check, client *http.Client) bool {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	switch c.Kind {
	case CheckHTTP:
		return probeHTTP(c.URL, timeout, client)
	case CheckTCP:
		return probeTCP(c.Address, timeout)
	default:
		return false
	}
}

func probeHTTP(url string, timeout time.Duration, client *http.Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func probeTCP(address string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (m *Monitor) publish(process string, state State) {
	if m.bus == nil {
		return
	}
	env, err := alert.NewEnvelope("process.health_changed", map[string]any{
		"process": process,
		"state":   string(state),
	}, "")
	if err != nil {
		m.log.Warn("health: failed to build envelope", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	m.bus.Emit(env)
}
