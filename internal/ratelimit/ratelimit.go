// Package ratelimit provides per-client token bucket limits for the public
// signup and renewal endpoints.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peopledesk/internal/metrics"
)

// Rule is a token bucket: Rate tokens refill per second up to Burst.
type Rule struct {
	Rate  float64
	Burst int
}

// Config holds the default rule and per-scope overrides.
type Config struct {
	Default Rule
	Scopes  map[string]Rule

	// IdleTTL drops buckets untouched for this long. Defaults to 2m.
	IdleTTL time.Duration
	// CleanupInterval is how often idle buckets are dropped. Defaults to 1m.
	CleanupInterval time.Duration
}

// DefaultConfig allows one request per second with bursts of 10.
func DefaultConfig() Config {
	return Config{
		Default:         Rule{Rate: 1, Burst: 10},
		IdleTTL:         2 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// PerSecond converts a requests-per-second budget into a Config.
func PerSecond(rps int) Config {
	cfg := DefaultConfig()
	if rps > 0 {
		cfg.Default = Rule{Rate: float64(rps), Burst: rps}
	}
	return cfg
}

// WithScope returns cfg with r applied to scope.
func (cfg Config) WithScope(scope string, r Rule) Config {
	scopes := make(map[string]Rule, len(cfg.Scopes)+1)
	for k, v := range cfg.Scopes {
		scopes[k] = v
	}
	scopes[scope] = r
	cfg.Scopes = scopes
	return cfg
}

func (cfg Config) rule(scope string) Rule {
	if r, ok := cfg.Scopes[scope]; ok {
		return r
	}
	return cfg.Default
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter tracks buckets by scope and client key.
type Limiter struct {
	cfg      Config
	now      func() time.Time
	mu       sync.Mutex
	buckets  map[string]*bucket
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-l.cfg.IdleTTL)
			for key, b := range l.buckets {
				if b.seen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Take spends one token from the bucket of key within scope.
func (l *Limiter) Take(scope, key string) Decision {
	r := l.cfg.rule(scope)
	if r.Burst <= 0 {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	id := scope + "\x00" + key
	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{tokens: float64(r.Burst), seen: now}
		l.buckets[id] = b
	} else {
		b.tokens = math.Min(float64(r.Burst), b.tokens+now.Sub(b.seen).Seconds()*r.Rate)
		b.seen = now
	}

	d := Decision{Limit: r.Burst}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
		d.Remaining = int(b.tokens)
		return d
	}
	if r.Rate > 0 {
		d.RetryAfter = time.Duration((1 - b.tokens) / r.Rate * float64(time.Second))
	} else {
		d.RetryAfter = l.cfg.IdleTTL
	}
	return d
}

// Middleware limits by client IP within scope, so signups and renewals from
// one address draw on separate buckets.
func (l *Limiter) Middleware(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := l.Take(scope, c.ClientIP())
		if d.Limit > 0 {
			c.Header("RateLimit-Limit", strconv.Itoa(d.Limit))
			c.Header("RateLimit-Remaining", strconv.Itoa(d.Remaining))
		}
		if d.Allowed {
			c.Next()
			return
		}

		retry := int(math.Ceil(d.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		metrics.RateLimitedTotal.WithLabelValues(scope).Inc()
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": retry,
		})
	}
}
