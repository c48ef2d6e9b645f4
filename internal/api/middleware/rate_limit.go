package middleware

import (
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig tunes the sliding-window limiter.
type RateLimitConfig struct {
	Enabled bool

	// DefaultLimit is requests per minute per (client, endpoint).
	DefaultLimit int

	// EndpointLimits overrides the default for endpoint keys containing the
	// pattern.
	EndpointLimits map[string]int

	// MaxConcurrent caps in-flight requests across all clients over a
	// one-second window.
	MaxConcurrent int
}

// DefaultRateLimitConfig returns the stock limits: 60/min default, search
// lower, sync much lower, health higher.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:      true,
		DefaultLimit: 60,
		EndpointLimits: map[string]int{
			"/api/knowledge/search": 30,
			"/api/knowledge/sync":   5,
			"/api/knowledge/":       60,
			"/health":               120,
		},
		MaxConcurrent: 100,
	}
}

// RateLimiter is a sliding-window limiter with two dimensions: per
// (client, endpoint) over a one-minute window, and a global one-second
// window bounding concurrency. One mutex guards all state; each check is
// O(expired entries).
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string]map[string][]time.Time
	global   []time.Time
	now      func() time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		requests: make(map[string]map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow checks and records one request for the client/endpoint pair.
// It returns whether the request is admitted, how many requests the window
// now holds, and a reset epoch second: on rejection, when the oldest request
// leaves the window; on admission, when the request just recorded leaves it.
func (rl *RateLimiter) Allow(clientID, endpoint string, limit int, window time.Duration) (bool, int, int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-window)

	perClient, ok := rl.requests[clientID]
	if !ok {
		perClient = make(map[string][]time.Time)
		rl.requests[clientID] = perClient
	}

	queue := pruneBefore(perClient[endpoint], windowStart)

	if len(queue) >= limit {
		perClient[endpoint] = queue
		resetTime := queue[0].Add(window).Unix()
		return false, len(queue), resetTime
	}

	queue = append(queue, now)
	perClient[endpoint] = queue
	return true, len(queue), now.Add(window).Unix()
}

// AllowGlobal checks and records one request against the global window.
func (rl *RateLimiter) AllowGlobal(limit int, window time.Duration) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.global = pruneBefore(rl.global, now.Add(-window))

	if len(rl.global) >= limit {
		return false, len(rl.global)
	}
	rl.global = append(rl.global, now)
	return true, len(rl.global)
}

func pruneBefore(queue []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(queue) && queue[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return queue
	}
	return append(queue[:0:0], queue[idx:]...)
}

// RateLimitMiddleware gates requests through the sliding-window limiter.
//
// Rejections carry status 429 with the X-RateLimit-* header set and a
// Retry-After of at least one second. Admitted responses carry the countdown
// headers.
func RateLimitMiddleware(config RateLimitConfig) func(http.Handler) http.Handler {
	limiter := NewRateLimiter()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			clientID := ClientID(r)
			endpoint := r.Method + ":" + r.URL.Path
			limit := endpointLimit(config, endpoint)

			if config.MaxConcurrent > 0 {
				allowed, current := limiter.AllowGlobal(config.MaxConcurrent, time.Second)
				if !allowed {
					writeRateLimited(w, "Too many concurrent requests globally",
						limit, current, time.Now().Add(time.Second).Unix())
					return
				}
			}

			allowed, made, resetTime := limiter.Allow(clientID, endpoint, limit, time.Minute)
			if !allowed {
				writeRateLimited(w, "Rate limit exceeded", limit, made, resetTime)
				return
			}

			w.Header().Set(RateLimitLimitHeader, strconv.Itoa(limit))
			w.Header().Set(RateLimitRemainingHeader, strconv.Itoa(max(0, limit-made)))
			w.Header().Set(RateLimitResetHeader, strconv.FormatInt(resetTime, 10))
			w.Header().Set(RateLimitWindowHeader, "60")

			next.ServeHTTP(w, r)
		})
	}
}

// ClientID derives the limiter key: the first forwarded-for hop (else the
// peer address) combined with a stable hash of the user agent, which breaks
// ties between unrelated clients behind one NAT.
func ClientID(r *http.Request) string {
	var clientIP string
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		clientIP = strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
	} else {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		clientIP = host
	}

	h := fnv.New32a()
	h.Write([]byte(r.UserAgent()))
	return fmt.Sprintf("%s:%d", clientIP, h.Sum32()%10000)
}

func endpointLimit(config RateLimitConfig, endpoint string) int {
	// Longest pattern wins so that "/api/knowledge/search" beats the
	// "/api/knowledge/" prefix it contains.
	patterns := make([]string, 0, len(config.EndpointLimits))
	for pattern := range config.EndpointLimits {
		patterns = append(patterns, pattern)
	}
	sort.Slice(patterns, func(i, j int) bool { return len(patterns[i]) > len(patterns[j]) })

	for _, pattern := range patterns {
		if strings.Contains(endpoint, pattern) {
			return config.EndpointLimits[pattern]
		}
	}
	if config.DefaultLimit > 0 {
		return config.DefaultLimit
	}
	return 60
}

func writeRateLimited(w http.ResponseWriter, message string, limit, current int, resetTime int64) {
	retryAfter := resetTime - time.Now().Unix()
	if retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set(RateLimitLimitHeader, strconv.Itoa(limit))
	w.Header().Set(RateLimitRemainingHeader, "0")
	w.Header().Set(RateLimitResetHeader, strconv.FormatInt(resetTime, 10))
	w.Header().Set(RateLimitWindowHeader, "60")
	w.Header().Set(RetryAfterHeader, strconv.FormatInt(retryAfter, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintf(w, `{"detail": %q, "limit": %d, "current": %d, "reset_time": %d}`,
		message, limit, current, resetTime)
}
