// Package procconfig loads the per-node process-config file (a JSON
// mapping id → {command, args, cwd, env, ports, auto_restart,
// max_restarts, restart_window_s, health_check}) and keeps it current,
// reloading on SIGHUP or on a filesystem write event.
//
// The watch loop is grounded in 99souls-ariadne's HotReloadSystem
// (watch the containing directory rather than the file itself, since
// editors replace files on save instead of writing in place), adapted
// from YAML hot-reload to this package's JSON process definitions plus
// a signal-triggered path the original didn't need.
package procconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bryanveloso/landale-sub013/internal/errs"
	"github.com/bryanveloso/landale-sub013/internal/logging"
	"github.com/bryanveloso/landale-sub013/internal/supervisor"
)

// HealthCheckSpec is the process-config file's health_check block.
type HealthCheckSpec struct {
	Kind       string `json:"kind"`
	URL        string `json:"url,omitempty"`
	Address    string `json:"host_port,omitempty"`
	IntervalS  int    `json:"interval_s"`
	TimeoutS   int    `json:"timeout_s"`
}

// ProcessSpec is one entry of the process-config file.
type ProcessSpec struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Ports          []int             `json:"ports,omitempty"`
	AutoRestart    bool              `json:"auto_restart"`
	MaxRestarts    int               `json:"max_restarts"`
	RestartWindowS int               `json:"restart_window_s"`
	HealthCheck    *HealthCheckSpec  `json:"health_check,omitempty"`
}

// File is the top-level shape: id → spec.
type File map[string]ProcessSpec

// ToRecordConfig converts one parsed entry into a supervisor.Config, the
// shape AddProcess/Start accept.
func (p ProcessSpec) ToRecordConfig(id string) supervisor.Config {
	cfg := supervisor.Config{
		ID:            id,
		Command:       p.Command,
		Args:          p.Args,
		Cwd:           p.Cwd,
		Env:           p.Env,
		Ports:         p.Ports,
		AutoRestart:   p.AutoRestart,
		MaxRestarts:   p.MaxRestarts,
		RestartWindow: time.Duration(p.RestartWindowS) * time.Second,
	}
	if p.HealthCheck != nil {
		cfg.HealthCheck = &supervisor.HealthCheck{
			Kind:     p.HealthCheck.Kind,
			URL:      p.HealthCheck.URL,
			Address:  p.HealthCheck.Address,
			Interval: time.Duration(p.HealthCheck.IntervalS) * time.Second,
			Timeout:  time.Duration(p.HealthCheck.TimeoutS) * time.Second,
		}
	}
	return cfg
}

// Load reads and parses the process-config file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConfigUnloadable, "read process config", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.Wrap(errs.CodeConfigUnloadable, "parse process config", err)
	}
	return f, nil
}

// Watcher owns the current process-config File and reloads it on SIGHUP
// or a filesystem write to its path, invoking onChange with the newly
// parsed file. A failed reload leaves the previous file in effect and is
// only logged, never fatal (spec.md §7's Transient class: a bad edit
// shouldn't take down a running node).
type Watcher struct {
	mu      sync.RWMutex
	path    string
	current File
	log     *logging.Logger

	onChange func(File)

	fsw     *fsnotify.Watcher
	sigCh   chan os.Signal
}

// New constructs a Watcher seeded with the file at path's current
// contents. onChange, if non-nil, is invoked on the Watch goroutine after
// every successful reload; it is not invoked for the initial load.
func New(path string, log *logging.Logger, onChange func(File)) (*Watcher, error) {
	if log == nil {
		log = logging.NewTestLogger()
	}
	initial, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     path,
		current:  initial,
		log:      log,
		onChange: onChange,
		sigCh:    make(chan os.Signal, 1),
	}
	return w, nil
}

// Current returns the most recently loaded file.
func (w *Watcher) Current() File {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Watch blocks, reloading on SIGHUP and on filesystem write events to the
// configured path's directory, until stop is closed. Safe to run in its own
// goroutine.
func (w *Watcher) Watch(stop <-chan struct{}) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("procconfig: create file watcher: %w", err)
	}
	w.fsw = fsw
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("procconfig: watch directory %s: %w", dir, err)
	}

	signal.Notify(w.sigCh, syscall.SIGHUP)
	defer signal.Stop(w.sigCh)

	for {
		select {
		case <-stop:
			return nil
		case <-w.sigCh:
			w.reload("sighup")
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload("file_write")
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("procconfig: watcher error", logging.Field{Key: "error", Value: err.Error()})
		}
	}
}

func (w *Watcher) reload(trigger string) {
	next, err := Load(w.path)
	if err != nil {
		w.log.Warn("procconfig: reload failed, keeping previous config",
			logging.Field{Key: "trigger", Value: trigger},
			logging.Field{Key: "error", Value: err.Error()})
		return
	}
	w.mu.Lock()
	w.current = next
	w.mu.Unlock()
	w.log.Info("procconfig: reloaded", logging.Field{Key: "trigger", Value: trigger}, logging.Field{Key: "count", Value: len(next)})
	if w.onChange != nil {
		w.onChange(next)
	}
}
