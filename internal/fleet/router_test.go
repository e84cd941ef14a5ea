package fleet

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubClient struct {
	delay   time.Duration
	payload json.RawMessage
	err     error
}

func (s *stubClient) Call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.payload, s.err
}

func TestRouterCallUnknownProcess(t *testing.T) {
	r := NewRouter(time.Second)
	_, err := r.Call(context.Background(), "ghost", "status", nil)
	require.ErrorIs(t, err, ErrNodeUnreachable)
}

func TestRouterCallEnforcesDeadline(t *testing.T) {
	r := NewRouter(10 * time.Millisecond)
	r.Register("slow", &stubClient{delay: 100 * time.Millisecond})
	_, err := r.Call(context.Background(), "slow", "status", nil)
	require.Error(t, err)
}

func TestRouterFanOutAggregatesAllProcesses(t *testing.T) {
	r := NewRouter(time.Second)
	r.Register("a", &stubClient{payload: json.RawMessage(`{"ok":true}`)})
	r.Register("b", &stubClient{err: context.DeadlineExceeded})

	results := r.FanOut(context.Background(), "status", nil)
	require.Len(t, results, 2)

	byName := map[string]Result{}
	for _, res := range results {
		byName[res.Process] = res
	}
	require.NoError(t, byName["a"].Err)
	require.Error(t, byName["b"].Err)
}

func TestRouterRegisterAndUnregister(t *testing.T) {
	r := NewRouter(time.Second)
	require.Equal(t, 0, r.ProcessCount())
	r.Register("a", &stubClient{})
	require.Equal(t, 1, r.ProcessCount())
	r.Unregister("a")
	require.Equal(t, 0, r.ProcessCount())
}
