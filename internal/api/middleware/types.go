package middleware

// Context keys for middleware data storage
type contextKey string

const (
	// RequestIDContextKey is the context key for request ID
	RequestIDContextKey contextKey = "request_id"

	// UserContextKey is the context key for the authenticated principal
	UserContextKey contextKey = "user"
)

// HTTP headers
const (
	RequestIDHeader     = "X-Request-ID"
	AuthorizationHeader = "Authorization"

	RateLimitLimitHeader     = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
	RateLimitResetHeader     = "X-RateLimit-Reset"
	RateLimitWindowHeader    = "X-RateLimit-Window"
	RetryAfterHeader         = "Retry-After"
)

// Principal identifies an authenticated caller. Admin is the only privilege
// distinction the service makes.
type Principal struct {
	Subject string
	IsAdmin bool
}
