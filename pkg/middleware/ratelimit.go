package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/placebook/pkg/observability"
	"github.com/platinummonkey/placebook/pkg/rbac"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// AnonymousRateLimitConfig applies to requests without a principal
func AnonymousRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute, BurstSize: 10}
}

// PerUserRateLimitConfig applies to authenticated users
func PerUserRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 1000, WindowDuration: time.Minute, BurstSize: 50}
}

// AdminExportRateLimitConfig guards event log export and bulk delete
func AdminExportRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
}

// Limiter decides whether the request identified by key may proceed.
// remaining is the budget left in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, err error)
	Config() RateLimitConfig
}

// MemoryLimiter is a per-process token bucket limiter
type MemoryLimiter struct {
	config  RateLimitConfig
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
}

// NewMemoryLimiter creates a token bucket limiter holding
// RequestsPerWindow+BurstSize tokens per key
func NewMemoryLimiter(config RateLimitConfig) *MemoryLimiter {
	if config.RequestsPerWindow <= 0 || config.WindowDuration <= 0 {
		config = AnonymousRateLimitConfig()
	}
	return &MemoryLimiter{config: config, buckets: make(map[string]*bucket), now: time.Now}
}

// Config returns the limiter settings
func (l *MemoryLimiter) Config() RateLimitConfig { return l.config }

func (l *MemoryLimiter) capacity() int {
	return l.config.RequestsPerWindow + l.config.BurstSize
}

// Allow takes one token from key's bucket
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity(), lastUpdate: now}
		l.buckets[key] = b
	}

	// Refill tokens based on elapsed time
	elapsed := now.Sub(b.lastUpdate)
	refill := int(elapsed.Seconds() * float64(l.config.RequestsPerWindow) / l.config.WindowDuration.Seconds())
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity() {
			b.tokens = l.capacity()
		}
		b.lastUpdate = now
	}

	if b.tokens <= 0 {
		return false, 0, nil
	}
	b.tokens--
	return true, b.tokens, nil
}

// Cleanup drops buckets idle for more than two windows
func (l *MemoryLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastUpdate) > l.config.WindowDuration*2 {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every window until ctx is done
func (l *MemoryLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimit rejects requests over budget with 429. Authenticated callers
// are keyed by user id and use userLimiter; the rest are keyed by client IP.
// Limiter errors fail open.
func RateLimit(name string, userLimiter, anonLimiter Limiter, metrics *observability.Metrics, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := anonLimiter
			key := "ip:" + clientIP(r)
			if p, ok := rbac.PrincipalFromContext(r.Context()); ok {
				limiter = userLimiter
				key = fmt.Sprintf("user:%d", p.UserID)
			}
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, err := limiter.Allow(r.Context(), name+":"+key)
			if err != nil {
				observability.FromContext(r.Context(), logger).WithError(err).Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			cfg := limiter.Config()
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			if !allowed {
				metrics.RecordRateLimited(name)
				rateLimitExceeded(w, cfg)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitExceeded(w http.ResponseWriter, cfg RateLimitConfig) {
	retryAfter := cfg.WindowDuration.Seconds()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded","retry_after":` + fmt.Sprintf("%.0f", retryAfter) + `}`))
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address without its port.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
