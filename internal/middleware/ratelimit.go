package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter provides token bucket rate limiting.
// TOKEN BUCKET ALGORITHM:
//   - Tokens are added to the bucket at a fixed rate
//   - Each request consumes one token
//   - Requests are rejected when the bucket is empty
//   - Burst allows temporary exceeding of rate limit
type RateLimiter struct {
	rate      float64
	burst     int
	store     RateLimitStore
	skipPaths map[string]bool
}

// RateLimitStore holds bucket state per key.
type RateLimitStore interface {
	// Take consumes a token and returns (remaining, retryAfter, allowed)
	Take(key string, rate float64, burst int) (int, time.Duration, bool)
	Reset(key string)
}

type RateLimitConfig struct {
	RequestsPerSecond float64  // Token refill rate
	Burst             int      // Maximum burst size
	Enabled           bool     // Enable/disable rate limiting
	SkipPaths         []string // Paths to skip rate limiting
}

func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		Enabled:           true,
		SkipPaths:         []string{"/admin/health", "/metrics"},
	}
}

func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	var store RateLimitStore
	if config.Enabled && config.RequestsPerSecond > 0 {
		store = NewInMemoryRateStore(time.Now)
	}

	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}
	return &RateLimiter{
		rate:      config.RequestsPerSecond,
		burst:     config.Burst,
		store:     store,
		skipPaths: skip,
	}
}

// GinMiddleware returns the Gin middleware for rate limiting.
func (r *RateLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.store == nil || r.skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		remaining, retryAfter, allowed := r.store.Take(r.key(c), r.rate, r.burst)

		c.Header("X-RateLimit-Limit", strconv.Itoa(r.burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			secs := int(math.Ceil(retryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"code":    "RATE_LIMITED",
				"message": "too many requests, please retry later",
				"details": gin.H{"retryAfterSeconds": secs, "limit": r.burst},
			})
			return
		}

		c.Next()
	}
}

// key buckets authenticated senders by identity and everyone else by IP.
func (r *RateLimiter) key(c *gin.Context) string {
	if claims, ok := GetClaims(c); ok {
		return "sender:" + claims.SenderCompID
	}
	return "ip:" + c.ClientIP()
}

// InMemoryRateStore keeps buckets in process memory. Limits are per
// instance.
type InMemoryRateStore struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	now     func() time.Time
}

type TokenBucket struct {
	Tokens     float64
	LastRefill time.Time
}

func NewInMemoryRateStore(now func() time.Time) *InMemoryRateStore {
	return &InMemoryRateStore{
		buckets: make(map[string]*TokenBucket),
		now:     now,
	}
}

// Take implements RateLimitStore.
func (s *InMemoryRateStore) Take(key string, rate float64, burst int) (int, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	bucket, exists := s.buckets[key]
	if !exists {
		bucket = &TokenBucket{Tokens: float64(burst), LastRefill: now}
		s.buckets[key] = bucket
	}

	// Refill for the time since the last request
	bucket.Tokens = math.Min(float64(burst), bucket.Tokens+now.Sub(bucket.LastRefill).Seconds()*rate)
	bucket.LastRefill = now

	if bucket.Tokens >= 1 {
		bucket.Tokens--
		return int(bucket.Tokens), 0, true
	}

	wait := time.Duration((1 - bucket.Tokens) / rate * float64(time.Second))
	return 0, wait, false
}

func (s *InMemoryRateStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
}
