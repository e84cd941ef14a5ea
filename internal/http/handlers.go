package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bryanveloso/landale-sub013/internal/logging"
	"github.com/bryanveloso/landale-sub013/internal/metrics"
)

// ReadinessProvider exposes orchestrator state required for readiness checks.
type ReadinessProvider interface {
	SnapshotClientCounts() (clients, pending int)
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative stream-channel broadcast and client counts.
type StatsFunc func() (broadcasts, clients int)

// EventLogDumper triggers an out-of-band flush of the durable event log and
// optionally returns the artifact location.
type EventLogDumper interface {
	DumpEventLog(ctx context.Context) (string, error)
}

// EventLogDumperFunc adapts a function into an EventLogDumper.
type EventLogDumperFunc func(ctx context.Context) (string, error)

// DumpEventLog implements EventLogDumper.
func (f EventLogDumperFunc) DumpEventLog(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// ProcessStatus is one supervised process's externally visible state, for
// the fleet status endpoint.
type ProcessStatus struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Restarts    int       `json:"restarts"`
	LastHealthy time.Time `json:"last_healthy,omitempty"`
}

// FleetProvider exposes the minimal surface required to administrate the
// process supervision fleet over HTTP.
type FleetProvider interface {
	Status() []ProcessStatus
	Restart(name string) error
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Stats       StatsFunc
	Metrics     *metrics.Metrics
	EventLog    EventLogDumper
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
	Fleet       FleetProvider
}

// HandlerSet bundles the orchestrator's operational HTTP handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	metrics     *metrics.Metrics
	eventLog    EventLogDumper
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
	fleet       FleetProvider
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		metrics:     m,
		eventLog:    opts.EventLog,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
		fleet:       opts.Fleet,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.Handle("/metrics", h.MetricsHandler())
	mux.HandleFunc("/admin/eventlog/dump", h.EventLogDumpHandler())
	if h.fleet != nil {
		mux.HandleFunc("/admin/fleet/status", h.FleetStatusHandler())
		mux.HandleFunc("/admin/fleet/restart", h.FleetRestartHandler())
	}
}

// LivenessHandler reports that the HTTP server is reachable. It is a
// deliberately trivial smoke check, not backed by the metrics registry.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports orchestrator readiness: whether startup
// completed and the bus/stream channel are accepting traffic.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status         string  `json:"status"`
		Message        string  `json:"message,omitempty"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Clients        int     `json:"clients"`
		PendingClients int     `json:"pending_clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			clients, pending := h.readiness.SnapshotClientCounts()
			resp.Clients = clients
			resp.PendingClients = pending
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler exposes the Prometheus registry in exposition format,
// refreshing the client gauge from StatsFunc first if one is configured.
func (h *HandlerSet) MetricsHandler() http.Handler {
	inner := promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.stats != nil {
			_, clients := h.stats()
			h.metrics.ActiveClients.Set(float64(clients))
		}
		inner.ServeHTTP(w, r)
	})
}

// EventLogDumpHandler authorises and triggers an out-of-band event log flush.
func (h *HandlerSet) EventLogDumpHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "eventlog_dump"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("eventlog dump denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("eventlog dump denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("eventlog dump denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.eventLog == nil {
			reqLogger.Warn("eventlog dump denied: no dumper configured")
			http.Error(w, "event log dumping is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.eventLog.DumpEventLog(r.Context())
		if err != nil {
			reqLogger.Error("eventlog dump trigger failed", logging.Error(err))
			http.Error(w, "failed to trigger event log dump", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("eventlog dump triggered")
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

// FleetStatusHandler reports the process supervision fleet's current state.
func (h *HandlerSet) FleetStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken != "" && !h.authorise(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, h.fleet.Status())
	}
}

// FleetRestartHandler authorises and triggers a restart of a named process.
func (h *HandlerSet) FleetRestartHandler() http.HandlerFunc {
	type request struct {
		Process string `json:"process"`
	}
	type response struct {
		Status  string `json:"status"`
		Process string `json:"process"`
		Message string `json:"message,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		logger := h.logger.With(
			logging.String("handler", "fleet_restart"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			logger.Warn("fleet restart denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			logger.Warn("fleet restart denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Process == "" {
			http.Error(w, "invalid request payload", http.StatusBadRequest)
			return
		}
		if err := h.fleet.Restart(req.Process); err != nil {
			logger.Warn("fleet restart rejected", logging.String("process", req.Process), logging.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Info("fleet restart requested", logging.String("process", req.Process))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Process: req.Process})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
