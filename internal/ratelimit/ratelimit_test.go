package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lumenclass/aigateway/internal/auth"
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

// newTestLimiter creates a Limiter wired to the given fake clock.
func newTestLimiter(rate int, window time.Duration, clock *fakeClock) *Limiter {
	l := New(rate, window)
	l.now = clock.Now
	return l
}

func TestAllowBasic(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(3, time.Minute, clock)

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("caller-1", 0); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, retryAfter := l.Allow("caller-1", 0)
	if ok {
		t.Fatal("4th request should be denied")
	}
	if retryAfter <= 0 {
		t.Fatalf("denied request should carry a retry hint, got %v", retryAfter)
	}
}

func TestAllowDifferentCallers(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(1, time.Minute, clock)

	if ok, _ := l.Allow("a", 0); !ok {
		t.Fatal("first request for caller 'a' should be allowed")
	}
	if ok, _ := l.Allow("a", 0); ok {
		t.Fatal("second request for caller 'a' should be denied")
	}
	// Different caller should have its own bucket.
	if ok, _ := l.Allow("b", 0); !ok {
		t.Fatal("first request for caller 'b' should be allowed")
	}
}

func TestTokenRefill(t *testing.T) {
	clock := newFakeClock(time.Now())
	// 60 tokens per minute = 1 token per second.
	l := newTestLimiter(60, time.Minute, clock)

	for i := 0; i < 60; i++ {
		l.Allow("k", 0)
	}
	if ok, _ := l.Allow("k", 0); ok {
		t.Fatal("should be denied after exhausting tokens")
	}

	clock.Advance(1 * time.Second)
	if ok, _ := l.Allow("k", 0); !ok {
		t.Fatal("should be allowed after 1 second refill")
	}
	if ok, _ := l.Allow("k", 0); ok {
		t.Fatal("should be denied again after consuming refilled token")
	}

	clock.Advance(5 * time.Second)
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("k", 0); !ok {
			t.Fatalf("request %d should be allowed after 5s refill", i+1)
		}
	}
	if ok, _ := l.Allow("k", 0); ok {
		t.Fatal("should be denied after consuming 5 refilled tokens")
	}
}

func TestTokenRefillCap(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(5, time.Minute, clock)

	l.Allow("k", 0)
	l.Allow("k", 0)

	// Tokens cap at the rate no matter how long the bucket idles.
	clock.Advance(10 * time.Minute)

	_, remaining, _ := l.Status("k", 0)
	if remaining != 5 {
		t.Fatalf("remaining should cap at 5, got %d", remaining)
	}
}

func TestRetryAfterHint(t *testing.T) {
	clock := newFakeClock(time.Now())
	// 6 per minute = 1 token per 10 seconds.
	l := newTestLimiter(6, time.Minute, clock)

	for i := 0; i < 6; i++ {
		l.Allow("k", 0)
	}
	_, retryAfter := l.Allow("k", 0)
	if retryAfter != 10*time.Second {
		t.Fatalf("retryAfter = %v, want 10s for an empty bucket", retryAfter)
	}
}

func TestCustomRateOverride(t *testing.T) {
	tests := []struct {
		name      string
		defaultR  int
		customR   int
		wantAllow int
	}{
		{"custom higher than default", 2, 5, 5},
		{"custom lower than default", 10, 3, 3},
		{"zero custom uses default", 5, 0, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(time.Now())
			l := newTestLimiter(tt.defaultR, time.Minute, clock)

			allowed := 0
			for i := 0; i < tt.wantAllow+2; i++ {
				if ok, _ := l.Allow("key", tt.customR); ok {
					allowed++
				}
			}
			if allowed != tt.wantAllow {
				t.Fatalf("expected %d allowed, got %d", tt.wantAllow, allowed)
			}
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(100, time.Minute, clock)

	var wg sync.WaitGroup
	allowed := make(chan bool, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := l.Allow("concurrent", 0)
			allowed <- ok
		}()
	}

	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}

	if count != 100 {
		t.Fatalf("expected exactly 100 allowed, got %d", count)
	}
}

func TestMiddleware(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(2, time.Minute, clock)

	rejections := 0
	handler := Middleware(l, func() { rejections++ })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	caller := &auth.Caller{ID: "caller-1"}
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/v1/ai", nil)
		req = req.WithContext(auth.ContextWithCaller(req.Context(), caller))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(); rr.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rr.Code)
	}
	if rr := send(); rr.Code != http.StatusOK {
		t.Fatalf("second request status = %d", rr.Code)
	}

	rr := send()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if rr.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("X-RateLimit-Limit = %q", rr.Header().Get("X-RateLimit-Limit"))
	}
	if !strings.Contains(rr.Body.String(), `"code":"rate_limit"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
	if rejections != 1 {
		t.Errorf("rejection hook fired %d times, want 1", rejections)
	}
}

func TestMiddlewareNoCallerPassesThrough(t *testing.T) {
	l := New(1, time.Minute)
	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/healthz", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("unauthenticated request %d should bypass limiting, got %d", i, rr.Code)
		}
	}
}
