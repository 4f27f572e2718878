package ratelimit

import (
	"sync"
	"time"
)

// Guard enforces a minimum gap between attempts per key. Unlike Limiter it
// has no burst: a key may act once per window, measured from its last
// allowed attempt.
type Guard struct {
	mu     sync.Mutex
	last   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewGuard creates a Guard. A nil now uses time.Now.
func NewGuard(window time.Duration, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{
		last:   make(map[string]time.Time),
		window: window,
		now:    now,
	}
}

// Allow reports whether key may act now and, if so, records the attempt.
func (g *Guard) Allow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if last, ok := g.last[key]; ok && now.Sub(last) < g.window {
		return false
	}
	g.last[key] = now
	return true
}

// Remaining returns how long key must wait before Allow succeeds.
func (g *Guard) Remaining(key string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, ok := g.last[key]
	if !ok {
		return 0
	}
	if wait := g.window - g.now().Sub(last); wait > 0 {
		return wait
	}
	return 0
}

// Forget drops the recorded attempt for key.
func (g *Guard) Forget(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, key)
}
