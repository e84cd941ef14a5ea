package adapters

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bryanveloso/landale-sub013/internal/bus"
)

func TestTCPListenerAdapterEmitsEnvelopePerFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := bus.New()
	ch, handle := b.Subscribe("ironmon.telemetry")
	defer b.Unsubscribe(handle)

	a := NewTCPListenerAdapter("ironmon", "ironmon.telemetry", b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	body := `{"hp":100}`
	_, err = fmt.Fprintf(conn, "%d %s", len(body), body)
	require.NoError(t, err)

	select {
	case env := <-ch:
		require.Equal(t, "ironmon.telemetry", env.Type)
		require.JSONEq(t, body, string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}
