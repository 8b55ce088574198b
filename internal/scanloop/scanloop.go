// Package scanloop runs periodic maintenance work at a jittered cadence.
// The hub sweeps stale sessions with it; the jitter keeps sweeps from
// synchronizing with other timer-driven work on the same process.
package scanloop

import (
	"math/rand/v2"
	"time"
)

// Run calls fn every minInterval plus random([0, jitterRange)) until
// stopCh closes. The first call waits a full interval.
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}
