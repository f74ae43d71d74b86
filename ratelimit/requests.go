package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	DefaultRequestsPerSecond = 50
	DefaultRequestBurst      = 100
)

// Requests keeps one request-rate limiter per peer.
type Requests struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewRequests builds a per-peer limiter. Non-positive values fall back to defaults.
func NewRequests(perSecond float64, burst int) *Requests {
	if perSecond <= 0 {
		perSecond = DefaultRequestsPerSecond
	}
	if burst <= 0 {
		burst = DefaultRequestBurst
	}
	return &Requests{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether peerID may make one more request now.
func (r *Requests) Allow(peerID string) bool {
	r.mu.Lock()
	limiter, ok := r.limiters[peerID]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[peerID] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}
