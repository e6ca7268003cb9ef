// Package scanloop drives the periodic background loops.
package scanloop

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultMinInterval and DefaultJitterRange define the scheduler cadence.
	DefaultMinInterval = 10 * time.Second
	DefaultJitterRange = 2 * time.Second
)

// Interval returns minInterval + random([0, jitterRange)).
func Interval(minInterval, jitterRange time.Duration) time.Duration {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange <= 0 {
		return minInterval
	}
	return minInterval + time.Duration(rand.Int64N(int64(jitterRange)))
}

// Run executes fn at a jittered interval until stopCh is closed.
// The first call happens after one interval, not immediately.
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		timer.Reset(Interval(minInterval, jitterRange))
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}
