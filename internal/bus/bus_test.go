package bus

import (
	"testing"
	"time"

	"github.com/bryanveloso/landale-sub013/internal/alert"
	"github.com/stretchr/testify/require"
)

func mustEnvelope(t *testing.T, eventType string) alert.Envelope {
	t.Helper()
	env, err := alert.NewEnvelope(eventType, map[string]string{"k": "v"}, "")
	require.NoError(t, err)
	return env
}

func TestSubscribeExactMatch(t *testing.T) {
	b := New()
	ch, handle := b.Subscribe("twitch.follow")
	defer b.Unsubscribe(handle)

	b.Emit(mustEnvelope(t, "twitch.follow"))
	b.Emit(mustEnvelope(t, "twitch.sub"))

	select {
	case env := <-ch:
		require.Equal(t, "twitch.follow", env.Type)
	case <-time.After(time.Second):
		t.Fatal("expected delivery for exact match")
	}

	select {
	case env := <-ch:
		t.Fatalf("unexpected delivery for non-matching type: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeWildcard(t *testing.T) {
	b := New()
	ch, handle := b.Subscribe("twitch.*")
	defer b.Unsubscribe(handle)

	b.Emit(mustEnvelope(t, "twitch.follow"))
	b.Emit(mustEnvelope(t, "music.now_playing"))
	b.Emit(mustEnvelope(t, "twitch.sub"))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case env := <-ch:
			got[env.Type] = true
		case <-time.After(time.Second):
			t.Fatalf("expected 2 deliveries, got %d", i)
		}
	}
	require.True(t, got["twitch.follow"])
	require.True(t, got["twitch.sub"])
}

func TestNewSubscriptionDoesNotReplay(t *testing.T) {
	b := New()
	b.Emit(mustEnvelope(t, "chat.message"))

	ch, handle := b.Subscribe("chat.message")
	defer b.Unsubscribe(handle)

	select {
	case env := <-ch:
		t.Fatalf("unexpected replay of historical envelope: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOverflowDropsOldestAndCountsDrops(t *testing.T) {
	b := New(WithLagQueueSize(2))
	_, handle := b.Subscribe("source.*")

	b.Emit(mustEnvelope(t, "source.a"))
	b.Emit(mustEnvelope(t, "source.b"))
	b.Emit(mustEnvelope(t, "source.c"))

	require.Equal(t, int64(1), b.DropCount(handle))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	_, handle := b.Subscribe("foo.*")
	b.Unsubscribe(handle)
	require.NotPanics(t, func() { b.Unsubscribe(handle) })
}

func TestUnsubscribeUnknownHandleIsSafe(t *testing.T) {
	b := New()
	require.NotPanics(t, func() { b.Unsubscribe(Handle(9999)) })
	require.Equal(t, int64(-1), b.DropCount(Handle(9999)))
}

func TestEmitDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := New(WithLagQueueSize(1))
	_, handle := b.Subscribe("slow.*")
	defer b.Unsubscribe(handle)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Emit(mustEnvelope(t, "slow.tick"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
}
