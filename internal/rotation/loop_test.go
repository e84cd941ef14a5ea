package rotation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDriverTicksAtLeastOnce(t *testing.T) {
	var ticks int32
	driver := NewDriver(10*time.Millisecond, func(time.Time) {
		atomic.AddInt32(&ticks, 1)
	})
	ctx, cancel := context.WithCancel(context.Background())
	driver.Start(ctx)
	time.Sleep(55 * time.Millisecond)
	cancel()
	driver.Stop()
	if atomic.LoadInt32(&ticks) == 0 {
		t.Fatalf("expected driver to tick at least once")
	}
}

func TestDriverInterval(t *testing.T) {
	driver := NewDriver(20*time.Millisecond, func(time.Time) {})
	if driver.Interval() != 20*time.Millisecond {
		t.Fatalf("unexpected interval %v", driver.Interval())
	}
}

func TestDriverDefaultsNonPositiveInterval(t *testing.T) {
	driver := NewDriver(0, func(time.Time) {})
	if driver.Interval() != time.Second {
		t.Fatalf("expected 1s floor, got %v", driver.Interval())
	}
}
