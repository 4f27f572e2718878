package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(perWindow int, window time.Duration, clock *fakeClock) *Limiter {
	l := New(perWindow, window)
	l.now = clock.Now
	return l
}

func TestAllowBasic(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(3, time.Minute, clock)

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("4th request should be denied")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("another key has its own bucket")
	}
}

func TestTokenRefill(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(60, time.Minute, clock)

	for i := 0; i < 60; i++ {
		l.Allow("k")
	}
	if l.Allow("k") {
		t.Fatal("should be denied after exhausting tokens")
	}

	clock.Advance(time.Second)
	if !l.Allow("k") {
		t.Fatal("should be allowed after 1 second refill")
	}
	if l.Allow("k") {
		t.Fatal("should be denied again after consuming refilled token")
	}
}

func TestStatusCapsAtLimit(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(5, time.Minute, clock)

	l.Allow("k")
	l.Allow("k")
	clock.Advance(10 * time.Minute)

	limit, remaining, _ := l.Status("k")
	if limit != 5 || remaining != 5 {
		t.Fatalf("got limit=%d remaining=%d, want 5/5", limit, remaining)
	}
}

func TestMiddlewareRejects(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(1, time.Minute, clock)

	rejected := 0
	h := Middleware(l, func() { rejected++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.7:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := call(); rec.Code != http.StatusNoContent {
		t.Fatalf("first call: got %d", rec.Code)
	}
	rec := call()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second call: got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Errorf("missing limit header: %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rejected != 1 {
		t.Errorf("onReject called %d times", rejected)
	}
}

func TestGuard(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	g := NewGuard(time.Minute, clock.Now)

	if !g.Allow("item-1") {
		t.Fatal("first attempt should pass")
	}
	if g.Allow("item-1") {
		t.Fatal("second attempt inside the window should be skipped")
	}
	if !g.Allow("item-2") {
		t.Fatal("keys are independent")
	}

	clock.Advance(45 * time.Second)
	if got := g.Remaining("item-1"); got != 15*time.Second {
		t.Fatalf("Remaining = %v, want 15s", got)
	}
	if g.Allow("item-1") {
		t.Fatal("still inside the window")
	}

	clock.Advance(15 * time.Second)
	if !g.Allow("item-1") {
		t.Fatal("exactly one window later should pass")
	}

	g.Forget("item-1")
	if !g.Allow("item-1") {
		t.Fatal("forgotten key should pass")
	}
	if g.Remaining("unknown") != 0 {
		t.Fatal("unknown key has no wait")
	}
}
