package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the limiter deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeLimiter() (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter()
	limiter.now = clock.Now
	return limiter, clock
}

func TestRateLimiter_ExactLimit(t *testing.T) {
	limiter, _ := newFakeLimiter()

	// Exactly limit requests in the window all succeed.
	for i := 0; i < 30; i++ {
		allowed, made, _ := limiter.Allow("client", "GET:/api/knowledge/search", 30, time.Minute)
		require.True(t, allowed, "request %d should be admitted", i+1)
		assert.Equal(t, i+1, made)
	}

	// The limit+1-th is rejected.
	allowed, made, resetTime := limiter.Allow("client", "GET:/api/knowledge/search", 30, time.Minute)
	assert.False(t, allowed)
	assert.Equal(t, 30, made)
	assert.Greater(t, resetTime, int64(0))
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, clock := newFakeLimiter()

	for i := 0; i < 30; i++ {
		allowed, _, _ := limiter.Allow("client", "ep", 30, time.Minute)
		require.True(t, allowed)
	}
	allowed, _, _ := limiter.Allow("client", "ep", 30, time.Minute)
	require.False(t, allowed)

	// At second 61 the whole burst has aged out and capacity is restored.
	clock.Advance(61 * time.Second)
	for i := 0; i < 30; i++ {
		allowed, _, _ := limiter.Allow("client", "ep", 30, time.Minute)
		assert.True(t, allowed, "request %d after window should be admitted", i+1)
	}
}

func TestRateLimiter_PartialRelease(t *testing.T) {
	limiter, clock := newFakeLimiter()

	// Ten requests now, twenty 30 seconds later.
	for i := 0; i < 10; i++ {
		allowed, _, _ := limiter.Allow("c", "ep", 30, time.Minute)
		require.True(t, allowed)
	}
	clock.Advance(30 * time.Second)
	for i := 0; i < 20; i++ {
		allowed, _, _ := limiter.Allow("c", "ep", 30, time.Minute)
		require.True(t, allowed)
	}
	allowed, _, _ := limiter.Allow("c", "ep", 30, time.Minute)
	require.False(t, allowed)

	// Advancing past the first batch's expiry restores exactly its capacity.
	clock.Advance(31 * time.Second)
	for i := 0; i < 10; i++ {
		allowed, _, _ := limiter.Allow("c", "ep", 30, time.Minute)
		assert.True(t, allowed, "slot %d freed by the sliding window", i+1)
	}
	allowed, _, _ = limiter.Allow("c", "ep", 30, time.Minute)
	assert.False(t, allowed)
}

func TestRateLimiter_ResetTime(t *testing.T) {
	limiter, clock := newFakeLimiter()

	start := clock.now
	for i := 0; i < 5; i++ {
		limiter.Allow("c", "ep", 5, time.Minute)
	}
	_, _, resetTime := limiter.Allow("c", "ep", 5, time.Minute)

	// Reset is the oldest timestamp plus the window.
	assert.Equal(t, start.Add(time.Minute).Unix(), resetTime)
}

func TestRateLimiter_IsolatedKeys(t *testing.T) {
	limiter, _ := newFakeLimiter()

	for i := 0; i < 5; i++ {
		allowed, _, _ := limiter.Allow("client-a", "ep", 5, time.Minute)
		require.True(t, allowed)
	}
	blocked, _, _ := limiter.Allow("client-a", "ep", 5, time.Minute)
	assert.False(t, blocked)

	// Different client and different endpoint are unaffected.
	allowed, _, _ := limiter.Allow("client-b", "ep", 5, time.Minute)
	assert.True(t, allowed)
	allowed, _, _ = limiter.Allow("client-a", "other", 5, time.Minute)
	assert.True(t, allowed)
}

func TestRateLimiter_GlobalWindow(t *testing.T) {
	limiter, clock := newFakeLimiter()

	for i := 0; i < 3; i++ {
		allowed, _ := limiter.AllowGlobal(3, time.Second)
		require.True(t, allowed)
	}
	allowed, current := limiter.AllowGlobal(3, time.Second)
	assert.False(t, allowed)
	assert.Equal(t, 3, current)

	clock.Advance(1100 * time.Millisecond)
	allowed, _ = limiter.AllowGlobal(3, time.Second)
	assert.True(t, allowed)
}

func TestRateLimitMiddleware_Headers(t *testing.T) {
	config := RateLimitConfig{
		Enabled:        true,
		DefaultLimit:   3,
		EndpointLimits: map[string]int{},
		MaxConcurrent:  0,
	}

	handler := RateLimitMiddleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	doRequest := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/knowledge/abc", nil)
		req.RemoteAddr = "10.0.0.1:4242"
		req.Header.Set("User-Agent", "test-agent")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Remaining counts down.
	for i := 0; i < 3; i++ {
		rec := doRequest()
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get(RateLimitLimitHeader))
		assert.Equal(t, strconv.Itoa(2-i), rec.Header().Get(RateLimitRemainingHeader))
		assert.Equal(t, "60", rec.Header().Get(RateLimitWindowHeader))
	}

	// Rejection carries the full header set.
	rec := doRequest()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get(RateLimitLimitHeader))
	assert.Equal(t, "0", rec.Header().Get(RateLimitRemainingHeader))
	assert.NotEmpty(t, rec.Header().Get(RateLimitResetHeader))

	retryAfter, err := strconv.Atoi(rec.Header().Get(RetryAfterHeader))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.LessOrEqual(t, retryAfter, 60)
	assert.Contains(t, rec.Body.String(), "detail")
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	config := RateLimitConfig{Enabled: false, DefaultLimit: 1}

	handler := RateLimitMiddleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestClientID(t *testing.T) {
	t.Run("forwarded-for wins", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		req.Header.Set("User-Agent", "agent")
		assert.Contains(t, ClientID(req), "203.0.113.9:")
	})

	t.Run("peer address fallback", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.7:9999"
		assert.Contains(t, ClientID(req), "192.0.2.7:")
	})

	t.Run("user agent breaks NAT ties", func(t *testing.T) {
		a := httptest.NewRequest(http.MethodGet, "/", nil)
		a.RemoteAddr = "10.0.0.1:1111"
		a.Header.Set("User-Agent", "browser-a")

		b := httptest.NewRequest(http.MethodGet, "/", nil)
		b.RemoteAddr = "10.0.0.1:2222"
		b.Header.Set("User-Agent", "browser-b")

		assert.NotEqual(t, ClientID(a), ClientID(b))
	})
}

func TestEndpointLimit_LongestPatternWins(t *testing.T) {
	config := DefaultRateLimitConfig()

	assert.Equal(t, 30, endpointLimit(config, "GET:/api/knowledge/search"))
	assert.Equal(t, 5, endpointLimit(config, "POST:/api/knowledge/sync/trigger"))
	assert.Equal(t, 60, endpointLimit(config, "GET:/api/knowledge/abc123"))
	assert.Equal(t, 120, endpointLimit(config, "GET:/health"))
	assert.Equal(t, 60, endpointLimit(config, "GET:/unmatched"))
}
