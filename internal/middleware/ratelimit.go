package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DukeRupert/quotaledger/internal/domain"
)

// =============================================================================
// Rate Limiter
// =============================================================================

// RateLimiter tracks request counts per key with a fixed window per key.
type RateLimiter struct {
	maxAttempts int
	window      time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.RWMutex
	entries map[string]*rateLimitEntry

	stopOnce sync.Once
	stopCh   chan struct{}
}

type rateLimitEntry struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a new rate limiter. Call Stop to end its cleanup
// goroutine.
func NewRateLimiter(maxAttempts int, window time.Duration, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		logger:      logger,
		now:         time.Now,
		entries:     make(map[string]*rateLimitEntry),
		stopCh:      make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow checks if a request for the given key should be allowed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, exists := rl.entries[key]

	if !exists || now.Sub(entry.windowStart) >= rl.window {
		rl.entries[key] = &rateLimitEntry{
			count:       1,
			windowStart: now,
		}
		return true
	}

	if entry.count < rl.maxAttempts {
		entry.count++
		return true
	}

	return false
}

// TimeUntilReset returns how long until the rate limit resets for a key.
func (rl *RateLimiter) TimeUntilReset(key string) time.Duration {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, exists := rl.entries[key]
	if !exists {
		return 0
	}

	elapsed := rl.now().Sub(entry.windowStart)
	if elapsed >= rl.window {
		return 0
	}

	return rl.window - elapsed
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// cleanup periodically removes expired entries to prevent memory leaks.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, entry := range rl.entries {
				if now.Sub(entry.windowStart) >= rl.window {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// =============================================================================
// Rate Limit Middleware
// =============================================================================

// KeyFunc picks the rate limit key for a request. An empty key is not limited.
type KeyFunc func(r *http.Request) string

// ByClientIP keys requests by client IP.
func ByClientIP(r *http.Request) string {
	return getClientIP(r)
}

// ByPathValue keys requests by a ServeMux path wildcard, e.g. the account ID.
func ByPathValue(name string) KeyFunc {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// RateLimitMiddleware wraps a rate limiter for use as HTTP middleware.
type RateLimitMiddleware struct {
	limiter *RateLimiter
	key     KeyFunc
	logger  *slog.Logger
}

// NewRateLimitMiddleware creates a new rate limit middleware.
func NewRateLimitMiddleware(limiter *RateLimiter, key KeyFunc, logger *slog.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		key:     key,
		logger:  logger,
	}
}

// Limit returns middleware that rate limits requests.
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.key(r)
		if key == "" || m.limiter.Allow(key) {
			next.ServeHTTP(w, r)
			return
		}

		m.logger.Warn("rate limit exceeded",
			"key", key,
			"path", r.URL.Path,
			"method", r.Method,
		)

		retryAfter := int(m.limiter.TimeUntilReset(key).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSONError(w, http.StatusTooManyRequests, domain.ERATELIMIT, domain.RateLimit("").Message)
	})
}

// =============================================================================
// API Rate Limiters
// =============================================================================

// APIRateLimiter bundles the limiters applied to the JSON API.
type APIRateLimiter struct {
	registerLimiter *RateLimiter
	adminLimiter    *RateLimiter
	lookupThrottle  *RateLimiter // nil when throttling is disabled
	logger          *slog.Logger
}

// NewAPIRateLimiter creates the API limiters.
//   - Register: 30 requests per minute per IP
//   - Admin: 60 requests per minute per IP
//   - Lookups: one per lookupInterval per account; zero disables it
func NewAPIRateLimiter(lookupInterval time.Duration, logger *slog.Logger) *APIRateLimiter {
	a := &APIRateLimiter{
		registerLimiter: NewRateLimiter(30, time.Minute, logger),
		adminLimiter:    NewRateLimiter(60, time.Minute, logger),
		logger:          logger,
	}
	if lookupInterval > 0 {
		a.lookupThrottle = NewRateLimiter(1, lookupInterval, logger)
	}
	return a
}

// LimitRegister returns middleware for rate limiting account registration.
func (a *APIRateLimiter) LimitRegister(next http.Handler) http.Handler {
	return NewRateLimitMiddleware(a.registerLimiter, ByClientIP, a.logger).Limit(next)
}

// LimitAdmin returns middleware for rate limiting admin calls.
func (a *APIRateLimiter) LimitAdmin(next http.Handler) http.Handler {
	return NewRateLimitMiddleware(a.adminLimiter, ByClientIP, a.logger).Limit(next)
}

// ThrottleLookups rejects a lookup that follows the previous one on the
// same account too closely. Routes must declare an {id} wildcard.
func (a *APIRateLimiter) ThrottleLookups(next http.Handler) http.Handler {
	if a.lookupThrottle == nil {
		return next
	}
	return NewRateLimitMiddleware(a.lookupThrottle, ByPathValue("id"), a.logger).Limit(next)
}

// Stop ends every limiter's cleanup goroutine.
func (a *APIRateLimiter) Stop() {
	a.registerLimiter.Stop()
	a.adminLimiter.Stop()
	if a.lookupThrottle != nil {
		a.lookupThrottle.Stop()
	}
}

// =============================================================================
// Helpers
// =============================================================================

// getClientIP extracts the client IP from the request, considering proxy headers.
func getClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs: client, proxy1, proxy2
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP := strings.TrimSpace(strings.Split(xff, ",")[0])
		if clientIP != "" {
			return clientIP
		}
	}

	// Check X-Real-IP (nginx)
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}

	return ip
}
