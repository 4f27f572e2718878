package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token-bucket rate limiter keyed by arbitrary string
// identifiers (client address, admin key). Each key gets rate requests per
// window with a burst of rate.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rate    int
	window  time.Duration
	now     func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows perWindow requests per window.
func New(perWindow int, window time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rate:    perWindow,
		window:  window,
		now:     time.Now,
	}
}

// bucket returns the limiter for key, creating it on first use.
// Must be called with l.mu held.
func (l *Limiter) bucket(key string) *rate.Limiter {
	b, ok := l.buckets[key]
	if !ok {
		every := l.window / time.Duration(l.rate)
		b = rate.NewLimiter(rate.Every(every), l.rate)
		l.buckets[key] = b
	}
	return b
}

// Allow reports whether a request for key is permitted and consumes a token
// when it is.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket(key).AllowN(l.now(), 1)
}

// Status returns the limit, the whole tokens left and the time at which the
// bucket is full again.
func (l *Limiter) Status(key string) (limit int, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucket(key)
	tokens := b.TokensAt(now)

	limit = l.rate
	remaining = int(math.Max(0, math.Floor(tokens)))

	deficit := float64(l.rate) - tokens
	if deficit <= 0 {
		return limit, remaining, now
	}
	perToken := l.window / time.Duration(l.rate)
	return limit, remaining, now.Add(time.Duration(deficit * float64(perToken)))
}
