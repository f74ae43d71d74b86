// Package ratelimit throttles transfer bytes and inbound request rates.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bandwidth is a token bucket over bytes. The bucket holds up to two seconds
// of allowance and may go into debt; the debt is paid back as delay.
// A zero limit disables throttling.
type Bandwidth struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

// NewBandwidth creates a limiter of bytesPerSecond. Zero or negative means unlimited.
func NewBandwidth(bytesPerSecond int64) *Bandwidth {
	b := &Bandwidth{now: time.Now}
	b.last = b.now()
	b.setLimitLocked(bytesPerSecond)
	return b
}

// SetLimit changes the rate. The bucket is refilled to the new burst.
func (b *Bandwidth) SetLimit(bytesPerSecond int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int64(b.rate) == max(bytesPerSecond, 0) {
		return
	}
	b.setLimitLocked(bytesPerSecond)
}

func (b *Bandwidth) setLimitLocked(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		b.rate, b.burst, b.tokens = 0, 0, 0
		return
	}
	b.rate = float64(bytesPerSecond)
	b.burst = 2 * b.rate
	b.tokens = b.burst
	b.last = b.now()
}

// Limit returns the current rate in bytes per second, 0 if unlimited.
func (b *Bandwidth) Limit() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.rate)
}

// Throttle consumes n bytes and returns how long the caller should wait
// before sending them.
func (b *Bandwidth) Throttle(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rate == 0 || n <= 0 {
		return 0
	}

	now := b.now()
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = min(b.burst, b.tokens+elapsed*b.rate)
	}
	b.last = now

	b.tokens -= float64(n)
	if b.tokens >= 0 {
		return 0
	}
	return time.Duration(-b.tokens / b.rate * float64(time.Second))
}

// Wait consumes n bytes and sleeps off any resulting debt.
func (b *Bandwidth) Wait(ctx context.Context, n int) error {
	delay := b.Throttle(n)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
