// Package ratelimit provides the token-bucket limiter applied to each
// connection's inbound messages.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled at a fixed rate. Each connection gets
// its own limiter, so the mutex is only contended by that connection's
// pumps.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewLimiter creates a limiter allowing rate events per second with the
// given burst capacity.
func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

// Allow reports whether one more event fits the budget.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN reports whether n more events fit the budget.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}

	return false
}
