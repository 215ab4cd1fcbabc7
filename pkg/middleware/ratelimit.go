package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures a RateLimiter. Attempts are allowed per Window
// per key, all of them available as an initial burst.
type RateLimitConfig struct {
	Attempts        int
	Window          time.Duration
	CleanupInterval time.Duration
	Enabled         bool
}

// RateLimiter keeps one token bucket per key (an email or a client IP).
type RateLimiter struct {
	config RateLimitConfig
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*keyLimiter

	stop     chan struct{}
	stopOnce sync.Once
}

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup loop. Call Stop
// when done.
func NewRateLimiter(cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	rl := &RateLimiter{
		config:   cfg,
		logger:   logger.Named("ratelimit"),
		now:      time.Now,
		limiters: make(map[string]*keyLimiter),
		stop:     make(chan struct{}),
	}
	if cfg.Enabled {
		go rl.cleanupLoop()
	}
	return rl
}

// Allow consumes one attempt for key and reports whether it was available.
func (r *RateLimiter) Allow(key string) bool {
	if !r.config.Enabled {
		return true
	}
	ok := r.limiterFor(key).AllowN(r.now(), 1)
	if !ok {
		r.logger.Warn("Rate limit exceeded", zap.String("key", key))
	}
	return ok
}

// RetryAfter estimates how long key must wait for its next attempt.
func (r *RateLimiter) RetryAfter() time.Duration {
	return r.config.Window / time.Duration(r.config.Attempts)
}

// Len returns the number of tracked keys.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

// Stop ends the cleanup loop.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *RateLimiter) limiterFor(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if l, ok := r.limiters[key]; ok {
		l.lastSeen = now
		return l.limiter
	}
	every := rate.Every(r.config.Window / time.Duration(r.config.Attempts))
	l := &keyLimiter{
		limiter:  rate.NewLimiter(every, r.config.Attempts),
		lastSeen: now,
	}
	r.limiters[key] = l
	return l.limiter
}

func (r *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stop:
			return
		}
	}
}

// cleanup forgets keys idle for longer than a full window; their buckets
// would be full again anyway.
func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.config.Window)
	for key, l := range r.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(r.limiters, key)
		}
	}
}

// RateLimitMiddleware limits requests per client IP.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			TooManyRequests(c, rl.RetryAfter())
			return
		}
		c.Next()
	}
}

// TooManyRequests aborts c with a 429 and a Retry-After header.
func TooManyRequests(c *gin.Context, retryAfter time.Duration) {
	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":   "rate_limit_exceeded",
		"message": "Too many attempts. Please try again later.",
	})
}
