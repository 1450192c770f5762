// Package loadctrl paces workers: a token bucket shared by every worker caps
// total throughput, and a fixed delay spaces one worker's operations.
package loadctrl

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/loadharness/internal/config"
)

// ThrottleStats reports how much pacing the throughput cap imposed.
type ThrottleStats struct {
	// Admitted counts operations let through by the cap.
	Admitted int64
	// Waited is the total time workers spent blocked on the cap.
	Waited time.Duration
	// Rate is the configured cap in operations per second, 0 when uncapped.
	Rate float64
}

// Throttle combines a throughput cap shared by all workers with a delay
// each worker sleeps after every operation. The zero configuration does
// not throttle at all.
//
// Thread Safety: Safe for concurrent use.
type Throttle struct {
	limiter *rate.Limiter
	delay   time.Duration

	admitted atomic.Int64
	waited   atomic.Int64 // nanoseconds
}

// NewThrottle creates a throttle from the load settings. The burst of the
// cap is one second's worth of operations, at least 1.
func NewThrottle(load config.LoadConfig) *Throttle {
	t := &Throttle{delay: load.Delay}
	if load.Throughput > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(load.Throughput), max(1, int(load.Throughput)))
	}
	return t
}

// Capped reports whether a throughput cap is in effect.
func (t *Throttle) Capped() bool {
	return t != nil && t.limiter != nil
}

// Burst returns how many operations the cap admits without waiting.
func (t *Throttle) Burst() int {
	if !t.Capped() {
		return 0
	}
	return t.limiter.Burst()
}

// Acquire blocks until the throughput cap admits one more operation.
func (t *Throttle) Acquire(ctx context.Context) error {
	if !t.Capped() {
		return ctx.Err()
	}
	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	t.admitted.Add(1)
	t.waited.Add(int64(time.Since(start)))
	return nil
}

// Pause sleeps the configured delay, returning early with ctx's error when
// ctx is done.
func (t *Throttle) Pause(ctx context.Context) error {
	if t == nil || t.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(t.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the pacing counters.
func (t *Throttle) Stats() ThrottleStats {
	if t == nil {
		return ThrottleStats{}
	}
	s := ThrottleStats{
		Admitted: t.admitted.Load(),
		Waited:   time.Duration(t.waited.Load()),
	}
	if t.limiter != nil {
		s.Rate = float64(t.limiter.Limit())
	}
	return s
}
