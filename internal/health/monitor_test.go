package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bryanveloso/landale-sub013/internal/bus"
)

func TestHTTPCheckTransitionsToHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := bus.New()
	ch, _ := b.Subscribe("process.health_changed")
	m := New(b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Register(ctx, Check{Process: "svc", Kind: CheckHTTP, URL: srv.URL, Interval: 20 * time.Millisecond, Timeout: time.Second})

	select {
	case env := <-ch:
		var payload struct {
			Process string `json:"process"`
			State   string `json:"state"`
		}
		require.NoError(t, env.UnmarshalPayload(&payload))
		require.Equal(t, "svc", payload.Process)
		require.Equal(t, "healthy", payload.State)
	case <-time.After(time.Second):
		t.Fatal("expected a health_changed envelope")
	}
}

func TestTCPCheckRequiresTwoFailuresBeforeUnhealthy(t *testing.T) {
	b := bus.New()
	m := New(b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Register(ctx, Check{Process: "down", Kind: CheckTCP, Address: "127.0.0.1:1", Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond})

	require.Eventually(t, func() bool {
		state, ok := m.State("down")
		return ok && state == StateUnhealthy
	}, time.Second, 10*time.Millisecond)
}
