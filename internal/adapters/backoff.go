// Package adapters implements the Source Adapters (spec.md §4.2): the
// boundary components that translate provider-specific traffic into
// canonical envelopes and never call the orchestrator directly.
package adapters

import "time"

const (
	backoffBase    = time.Second
	backoffCap     = 30 * time.Second
	maxAttempts    = 10
	longPause      = 5 * time.Minute
)

// backoffDelay computes the reconnect delay for the given attempt count
// (1-indexed), doubling from backoffBase up to backoffCap.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}
