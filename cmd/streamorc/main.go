// Command streamorc runs the Stream Orchestrator: the Event Bus, Interrupt
// Stack, Ticker Rotator, Layer Orchestrator, Stream Channel, and Process
// Supervision Fleet described by this node's configuration.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanveloso/landale-sub013/internal/adapters"
	"github.com/bryanveloso/landale-sub013/internal/alert"
	"github.com/bryanveloso/landale-sub013/internal/auth"
	"github.com/bryanveloso/landale-sub013/internal/bus"
	"github.com/bryanveloso/landale-sub013/internal/channel"
	"github.com/bryanveloso/landale-sub013/internal/config"
	"github.com/bryanveloso/landale-sub013/internal/control"
	"github.com/bryanveloso/landale-sub013/internal/errs"
	"github.com/bryanveloso/landale-sub013/internal/eventlog"
	"github.com/bryanveloso/landale-sub013/internal/fleet"
	"github.com/bryanveloso/landale-sub013/internal/health"
	httpapi "github.com/bryanveloso/landale-sub013/internal/http"
	"github.com/bryanveloso/landale-sub013/internal/logging"
	"github.com/bryanveloso/landale-sub013/internal/metrics"
	"github.com/bryanveloso/landale-sub013/internal/orchestrator"
	"github.com/bryanveloso/landale-sub013/internal/procconfig"
	"github.com/bryanveloso/landale-sub013/internal/rotation"
	"github.com/bryanveloso/landale-sub013/internal/supervisor"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "streamorc: unhandled panic: %v\n", r)
			os.Exit(2)
		}
	}()

	root := &cobra.Command{
		Use:           "streamorc",
		Short:         "Stream Orchestrator control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(&cobra.Command{
		Use:   "validate-config",
		Short: "Load the configuration and process-config file, then exit",
		RunE:  runValidateConfig,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.ConfigFile != "" {
		if _, err := procconfig.Load(cfg.ConfigFile); err != nil {
			return fmt.Errorf("invalid process config: %w", err)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		return errs.Wrap(errs.CodeInvalidConfig, "load configuration", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return errs.Wrap(errs.CodeFatal, "initialize logger", err)
	}
	defer func() { _ = logger.Sync() }()

	m := metrics.New()

	b := bus.New(
		bus.WithLagQueueSize(cfg.SubscriberLagSize),
		bus.WithDropObserver(func(pattern string) { m.BusDrops.WithLabelValues(pattern).Inc() }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("streamorc: shutdown signal received")
		cancel()
	}()

	orch := orchestrator.New(b,
		orchestrator.WithStackLimits(cfg.StackMaxEntries, cfg.StackLowWater),
		orchestrator.WithLogger(logger.With(logging.String("component", "orchestrator"))),
		orchestrator.WithMetrics(m),
		orchestrator.WithTranslator("ironmon.telemetry", translateIronmonTelemetry),
	)
	orch.Run(ctx)

	tickerDriver := rotation.NewDriver(cfg.TickerInterval, func(time.Time) { orch.RotationTick() })
	tickerDriver.Start(ctx)
	defer tickerDriver.Stop()

	sup := supervisor.New(b,
		supervisor.WithLogger(logger.With(logging.String("component", "supervisor"))),
		supervisor.WithMetrics(m),
	)

	healthMonitor := health.New(b, logger.With(logging.String("component", "health")), health.WithMetrics(m))

	fleetRouter := fleet.NewRouter(cfg.RPCDeadline, fleet.WithMetrics(m))

	var procWatcher *procconfig.Watcher
	if cfg.ConfigFile != "" {
		reconcile := func(f procconfig.File) {
			reconcileProcesses(sup, healthMonitor, fleetRouter, ctx, f, logger)
		}
		procWatcher, err = procconfig.New(cfg.ConfigFile, logger.With(logging.String("component", "procconfig")), reconcile)
		if err != nil {
			return errs.Wrap(errs.CodeConfigUnloadable, "load process config", err)
		}
		reconcileProcesses(sup, healthMonitor, fleetRouter, ctx, procWatcher.Current(), logger)
		stop := make(chan struct{})
		go func() {
			if watchErr := procWatcher.Watch(stop); watchErr != nil {
				logger.Warn("streamorc: process config watcher stopped", logging.Error(watchErr))
			}
		}()
		go func() { <-ctx.Done(); close(stop) }()
	}

	var chanOpts []channel.Option
	chanOpts = append(chanOpts, channel.WithLogger(logger.With(logging.String("component", "channel"))))
	var controlOpts []control.Option
	if cfg.AuthSecret != "" {
		verifier, err := auth.NewHMACTokenVerifier(cfg.AuthSecret, 30*time.Second)
		if err != nil {
			return errs.Wrap(errs.CodeInvalidConfig, "configure auth secret", err)
		}
		chanOpts = append(chanOpts, channel.WithAuthenticator(channel.NewHMACAuthenticator(verifier)))
		controlOpts = append(controlOpts, control.WithAuthenticator(control.NewHMACAuthenticator(verifier)))
	}
	streamChannel := channel.New(orch, chanOpts...)
	bridgeStateChanges(ctx, b, streamChannel, orch)
	bridgeProcessStateChanges(ctx, b, streamChannel, cfg.NodeID)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.TCPPort))
	if err != nil {
		return errs.Wrap(errs.CodeCannotBindListener, "bind ironmon tcp listener", err)
	}
	tcpAdapter := adapters.NewTCPListenerAdapter("ironmon", "ironmon.telemetry", b, logger.With(logging.String("component", "adapter.ironmon")))
	go func() {
		if serveErr := tcpAdapter.Serve(ctx, ln); serveErr != nil {
			logger.Error("streamorc: ironmon listener stopped", logging.Error(serveErr))
		}
	}()

	recorder, err := eventlog.NewRecorder(cfg.EventLogDir, time.Now, logger.With(logging.String("component", "eventlog")))
	if err != nil {
		return errs.Wrap(errs.CodeFatal, "open event log", err)
	}
	go recorder.Run(ctx, b, cfg.EventLogRotateInterval)
	defer func() { _ = recorder.Close() }()

	retention := eventlog.NewRetention(cfg.EventLogDir, eventlog.RetentionPolicy{
		MaxSegments: cfg.EventLogRetentionMax,
		MaxAge:      cfg.EventLogRetentionMaxAge,
	}, logger.With(logging.String("component", "eventlog.retention")))
	go retention.Run(ctx, cfg.EventLogRetentionSweep)

	fleetAdapter := newFleetAdapter(sup)

	readiness := &readinessState{startedAt: startedAt, channel: streamChannel}

	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger,
		Readiness: readiness,
		Stats:     streamChannel.Stats,
		Metrics:   m,
		EventLog:  httpapi.EventLogDumperFunc(recorder.DumpEventLog),
		AdminToken: cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.EventLogDumpWindow, cfg.EventLogDumpBurst, nil),
		Fleet:       fleetAdapter,
	})

	dashboardHandler := control.NewHandler(newDashboardFleetAdapter(sup), logger.With(logging.String("component", "control")), controlOpts...)

	mux := http.NewServeMux()
	mux.Handle("/socket", streamChannel)
	mux.Handle("/control", dashboardHandler)
	opsHandlers.Register(mux)

	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.ServerPort), Handler: mux}
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("streamorc: listening",
			logging.Int("server_port", cfg.ServerPort),
			logging.Int("tcp_port", cfg.TCPPort),
			logging.String("node_id", cfg.NodeID),
		)
		serverErrCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			cancel()
			return errs.Wrap(errs.CodeFatal, "http server terminated", err)
		}
	}

	records := sup.Snapshot()
	sort.Slice(records, func(i, j int) bool { return records[i].StartedAt.After(records[j].StartedAt) })
	for _, rec := range records {
		_ = sup.Stop(rec.Config.ID)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	return nil
}

// bridgeStateChanges rebroadcasts the orchestrator's published stream.state
// transitions to every connected overlay/dashboard client.
func bridgeStateChanges(ctx context.Context, b *bus.Bus, streamChannel *channel.Channel, orch *orchestrator.Orchestrator) {
	ch, handle := b.Subscribe("stream.state")
	go func() {
		defer b.Unsubscribe(handle)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				streamChannel.Broadcast(orch.CurrentState())
			}
		}
	}()
}

// bridgeProcessStateChanges rebroadcasts the supervisor's process.state_changed
// events to every connected overlay/dashboard client (spec.md §6's
// {"t":"process.state_changed","node":N,"id":P,"state":S} message).
func bridgeProcessStateChanges(ctx context.Context, b *bus.Bus, streamChannel *channel.Channel, nodeID string) {
	ch, handle := b.Subscribe("process.state_changed")
	go func() {
		defer b.Unsubscribe(handle)
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-ch:
				if !ok {
					return
				}
				var payload struct {
					Process string `json:"process"`
					State   string `json:"state"`
				}
				if err := env.UnmarshalPayload(&payload); err != nil {
					continue
				}
				streamChannel.BroadcastProcessState(nodeID, payload.Process, payload.State)
			}
		}
	}()
}

// ironmonTelemetry is the minimal shape read off the length-prefixed TCP
// listener; the parser's own field set is an external collaborator and out
// of scope here (spec.md's "IronMON TCP parser (only its event contract
// matters)").
type ironmonTelemetry struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// translateIronmonTelemetry maps a raw telemetry frame onto an ambient-band
// alert carrying the decoded payload, since the parser's event contract is
// external and this orchestrator only needs to surface it on an overlay. The
// frame's own "event" field becomes the alert's data.event so downstream
// consumers can distinguish run milestones without the parser's full schema.
func translateIronmonTelemetry(env alert.Envelope) (alert.Alert, bool) {
	var frame ironmonTelemetry
	if err := env.UnmarshalPayload(&frame); err != nil {
		return alert.Alert{}, false
	}
	payload := frame.Data
	if payload == nil {
		payload = map[string]any{}
	}
	payload["event"] = frame.Event
	return alert.New("", "ironmon_run_stats", payload, time.Time{}), true
}

// reconcileProcesses registers every process-config entry not already known
// to the supervisor, starts it, and wires its health check and fleet RPC
// client. Already-running processes are left untouched; config edits only
// affect processes added after the edit, matching the watcher's own
// reload-without-disruption behavior.
func reconcileProcesses(sup *supervisor.Supervisor, mon *health.Monitor, router *fleet.Router, ctx context.Context, f procconfig.File, logger *logging.Logger) {
	for id, spec := range f {
		cfg := spec.ToRecordConfig(id)
		if err := sup.AddProcess(cfg); err != nil {
			continue
		}
		if len(cfg.Ports) > 0 {
			router.Register(id, fleet.NewHTTPClient(fmt.Sprintf("http://127.0.0.1:%d", cfg.Ports[0]), nil))
		}
		if cfg.HealthCheck != nil {
			mon.Register(ctx, health.Check{
				Process:  id,
				Kind:     health.CheckKind(cfg.HealthCheck.Kind),
				URL:      cfg.HealthCheck.URL,
				Address:  cfg.HealthCheck.Address,
				Interval: cfg.HealthCheck.Interval,
				Timeout:  cfg.HealthCheck.Timeout,
			})
		}
		if startErr := sup.Start(id); startErr != nil {
			logger.Warn("streamorc: failed to start process", logging.String("process", id), logging.Error(startErr))
		}
	}
}

// readinessState adapts the channel's connection counters and process
// uptime into httpapi.ReadinessProvider.
type readinessState struct {
	startedAt time.Time
	channel   *channel.Channel
}

func (r *readinessState) SnapshotClientCounts() (clients, pending int) {
	return r.channel.ClientCount(), 0
}

func (r *readinessState) StartupError() error { return nil }

func (r *readinessState) Uptime() time.Duration { return time.Since(r.startedAt) }

// fleetAdapter bridges a Supervisor to httpapi.FleetProvider, the minimal
// surface the admin HTTP endpoints need.
type fleetAdapter struct {
	sup *supervisor.Supervisor
}

func newFleetAdapter(sup *supervisor.Supervisor) *fleetAdapter {
	return &fleetAdapter{sup: sup}
}

func (a *fleetAdapter) Status() []httpapi.ProcessStatus {
	records := a.sup.Snapshot()
	out := make([]httpapi.ProcessStatus, 0, len(records))
	for _, rec := range records {
		out = append(out, httpapi.ProcessStatus{
			Name:     rec.Config.ID,
			State:    string(rec.State),
			Restarts: len(rec.RestartWindow),
		})
	}
	return out
}

func (a *fleetAdapter) Restart(name string) error {
	if _, ok := a.sup.Status(name); !ok {
		return errs.New(errs.CodeNotFound, "process "+name+" not found", nil)
	}
	if err := a.sup.Stop(name); err != nil {
		return err
	}
	return a.sup.Start(name)
}

// dashboardFleetAdapter bridges a Supervisor to control.Fleet, the dashboard
// command WebSocket's process-control surface. Kept separate from
// fleetAdapter since the two interfaces disagree on Status's signature.
type dashboardFleetAdapter struct {
	sup *supervisor.Supervisor
}

func newDashboardFleetAdapter(sup *supervisor.Supervisor) *dashboardFleetAdapter {
	return &dashboardFleetAdapter{sup: sup}
}

func (a *dashboardFleetAdapter) Start(name string) error {
	if _, ok := a.sup.Status(name); !ok {
		return errs.New(errs.CodeNotFound, "process "+name+" not found", nil)
	}
	return a.sup.Start(name)
}

func (a *dashboardFleetAdapter) Stop(name string) error {
	if _, ok := a.sup.Status(name); !ok {
		return errs.New(errs.CodeNotFound, "process "+name+" not found", nil)
	}
	return a.sup.Stop(name)
}

func (a *dashboardFleetAdapter) Status(name string) (any, error) {
	state, ok := a.sup.Status(name)
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "process "+name+" not found", nil)
	}
	return map[string]string{"process": name, "state": string(state)}, nil
}

func (a *dashboardFleetAdapter) FleetStatus() any {
	records := a.sup.Snapshot()
	out := make([]map[string]string, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]string{"process": rec.Config.ID, "state": string(rec.State)})
	}
	return out
}
