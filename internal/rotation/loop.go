// Package rotation drives fixed-interval tick loops shared by the Ticker
// Rotator (spec.md §4.3's 15s rotation tick) and the Health Monitor's
// per-process check interval (spec.md §4.7).
package rotation

import (
	"context"
	"time"
)

// TickFunc is invoked once per interval.
type TickFunc func(now time.Time)

// Driver ticks a TickFunc at a fixed interval until stopped.
type Driver struct {
	interval time.Duration
	tick     TickFunc
	ticker   *time.Ticker
	done     chan struct{}
	cancel   context.CancelFunc
}

// NewDriver configures a driver that fires tick every interval. A
// non-positive interval is rejected in favor of a 1s floor so a
// misconfigured caller degrades rather than busy-loops.
func NewDriver(interval time.Duration, tick TickFunc) *Driver {
	if interval <= 0 {
		interval = time.Second
	}
	if tick == nil {
		tick = func(time.Time) {}
	}
	return &Driver{interval: interval, tick: tick}
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (d *Driver) Start(ctx context.Context) {
	if d == nil || d.tick == nil {
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.ticker = time.NewTicker(d.interval)
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		defer d.ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-d.ticker.C:
				d.tick(now)
			}
		}
	}()
}

// Stop halts the driver and waits for its goroutine to exit.
func (d *Driver) Stop() {
	if d == nil {
		return
	}
	if d.ticker != nil {
		d.ticker.Stop()
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
		d.done = nil
	}
}

// Interval exposes the configured tick interval for testing.
func (d *Driver) Interval() time.Duration {
	if d == nil {
		return 0
	}
	return d.interval
}
