// Package ratelimit throttles callers of the scoring and alert endpoints with
// a per-client token bucket.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
	// ExemptPaths are never limited (probes and scrapes).
	ExemptPaths []string
}

// DefaultConfig suits a streaming consumer posting one record at a time.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 6000,
		BurstSize:         200,
		CleanupInterval:   time.Minute,
		ExemptPaths:       []string{"/metrics", "/health", "/health/live", "/health/ready"},
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg      Config
	exempt   map[string]bool
	mu       sync.Mutex
	clients  map[string]*clientState
	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup goroutine; call Stop to end it.
func New(cfg Config) *Limiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		exempt:  make(map[string]bool, len(cfg.ExemptPaths)),
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	for _, p := range cfg.ExemptPaths {
		l.exempt[p] = true
	}
	go l.cleanup()
	return l
}

// cleanup removes stale entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true
	}

	// Token bucket refill
	elapsed := now.Sub(state.lastCheck).Seconds()
	tokensPerSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	state.tokens += elapsed * tokensPerSecond
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}
	return false
}

// Middleware rate limits by client IP. A 429 carries the shared error shape
// and a Retry-After hint; remote clients treat it as transient.
func (l *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := "1"
	if l.cfg.RequestsPerMinute > 0 && l.cfg.RequestsPerMinute < 60 {
		retryAfter = strconv.Itoa(60 / l.cfg.RequestsPerMinute)
	}
	return func(c *gin.Context) {
		if l.exempt[c.Request.URL.Path] {
			c.Next()
			return
		}
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "service_degraded",
				"kind":    "rate_limited",
				"message": "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}
