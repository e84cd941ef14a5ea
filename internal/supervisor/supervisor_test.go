package supervisor

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bryanveloso/landale-sub013/internal/bus"
)

type fakeProcess struct {
	pid  int
	done chan error
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan error, 1)}
}

func (f *fakeProcess) PID() int                   { return f.pid }
func (f *fakeProcess) Signal(sig os.Signal) error { return nil }
func (f *fakeProcess) Kill() error {
	select {
	case f.done <- nil:
	default:
	}
	return nil
}
func (f *fakeProcess) Done() <-chan error { return f.done }

func TestAddProcessRejectsDuplicate(t *testing.T) {
	s := New(bus.New())
	require.NoError(t, s.AddProcess(Config{ID: "a"}))
	require.Error(t, s.AddProcess(Config{ID: "a"}))
}

func TestStartTransitionsToRunningAfterSettleWindow(t *testing.T) {
	proc := newFakeProcess(100)
	s := New(bus.New(), WithSpawner(func(cfg Config) (Process, error) { return proc, nil }))
	require.NoError(t, s.AddProcess(Config{ID: "svc"}))

	require.NoError(t, s.Start("svc"))
	rec, ok := s.Status("svc")
	require.True(t, ok)
	require.Equal(t, StateRunning, rec.State)
	require.Equal(t, 100, rec.PID)
}

func TestStartFailsOnPortConflict(t *testing.T) {
	s := New(bus.New(), WithSpawner(func(cfg Config) (Process, error) { return newFakeProcess(1), nil }))
	require.NoError(t, s.AddProcess(Config{ID: "a", Ports: []int{19999}}))
	require.NoError(t, s.AddProcess(Config{ID: "b", Ports: []int{19999}}))

	require.NoError(t, s.Start("a"))
	err := s.Start("b")
	require.Error(t, err)

	recB, _ := s.Status("b")
	require.Equal(t, StateStopped, recB.State)
}

func TestRestartStormExhaustsAfterMaxRestarts(t *testing.T) {
	var mu sync.Mutex
	var procs []*fakeProcess
	s := New(bus.New(), WithSpawner(func(cfg Config) (Process, error) {
		mu.Lock()
		p := newFakeProcess(len(procs) + 1)
		procs = append(procs, p)
		mu.Unlock()
		return p, nil
	}))
	require.NoError(t, s.AddProcess(Config{
		ID:            "q",
		AutoRestart:   true,
		MaxRestarts:   3,
		RestartWindow: 60 * time.Second,
	}))

	require.NoError(t, s.Start("q"))
	time.Sleep(defaultSettleWindow + 10*time.Millisecond)

	countProcs := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(procs)
	}
	latestProc := func() *fakeProcess {
		mu.Lock()
		defer mu.Unlock()
		return procs[len(procs)-1]
	}

	// The give-up check (len(window) >= max_restarts, checked before the
	// current exit is appended) only trips on the (max_restarts+1)th
	// unexpected exit: spec.md §8 scenario 5 drives Q through three full
	// restart cycles (backoffDuration 2s, 4s, 8s for window lengths 1-3)
	// before a fourth exit finally exhausts the budget and leaves it
	// failed with no further spawn.
	backoffs := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, backoff := range backoffs {
		latestProc().done <- &exitError{}
		wantProcs := i + 2
		require.Eventually(t, func() bool { return countProcs() >= wantProcs }, backoff+2*time.Second, 20*time.Millisecond)
		time.Sleep(defaultSettleWindow + 50*time.Millisecond)
	}

	// Fourth unexpected exit: window is now full, so this one gives up
	// instead of scheduling another restart.
	latestProc().done <- &exitError{}
	require.Eventually(t, func() bool {
		rec, ok := s.Status("q")
		return ok && rec.State == StateFailed
	}, 2*time.Second, 20*time.Millisecond)

	require.Equal(t, 4, countProcs())
}

type exitError struct{}

func (e *exitError) Error() string { return "exit status 1" }
