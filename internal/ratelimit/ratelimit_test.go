package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *clock) {
	t.Helper()
	l := New(cfg)
	clk := &clock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	l.now = clk.now
	t.Cleanup(l.Stop)
	return l, clk
}

func TestTakeBurstThenRefill(t *testing.T) {
	l, clk := newTestLimiter(t, Config{Default: Rule{Rate: 1, Burst: 5}})

	for i := 0; i < 5; i++ {
		d := l.Take("signup", "203.0.113.7")
		require.True(t, d.Allowed, "request %d within burst", i)
		assert.Equal(t, 4-i, d.Remaining)
	}

	d := l.Take("signup", "203.0.113.7")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	clk.advance(500 * time.Millisecond)
	d = l.Take("signup", "203.0.113.7")
	assert.False(t, d.Allowed)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)

	clk.advance(500 * time.Millisecond)
	assert.True(t, l.Take("signup", "203.0.113.7").Allowed)
}

func TestBucketsAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Default: Rule{Rate: 1, Burst: 2}})

	for i := 0; i < 2; i++ {
		l.Take("signup", "client-a")
	}
	assert.False(t, l.Take("signup", "client-a").Allowed)
	assert.True(t, l.Take("signup", "client-b").Allowed, "other client has its own bucket")
	assert.True(t, l.Take("renewal", "client-a").Allowed, "other scope has its own bucket")
}

func TestScopeRules(t *testing.T) {
	cfg := PerSecond(100).WithScope("signup", Rule{Rate: 0.1, Burst: 1})
	l, _ := newTestLimiter(t, cfg)

	assert.True(t, l.Take("signup", "ip").Allowed)
	d := l.Take("signup", "ip")
	assert.False(t, d.Allowed)
	assert.Equal(t, 10*time.Second, d.RetryAfter)

	for i := 0; i < 50; i++ {
		require.True(t, l.Take("renewal", "ip").Allowed)
	}

	// WithScope does not mutate the receiver
	assert.Empty(t, PerSecond(100).Scopes)
}

func TestZeroBurstDisablesLimit(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Default: Rule{}})
	for i := 0; i < 100; i++ {
		require.True(t, l.Take("signup", "ip").Allowed)
	}
}

func TestPerSecond(t *testing.T) {
	assert.Equal(t, Rule{Rate: 20, Burst: 20}, PerSecond(20).Default)
	assert.Equal(t, DefaultConfig().Default, PerSecond(0).Default)
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, Config{Default: Rule{Rate: 0.5, Burst: 2}})

	router := gin.New()
	router.POST("/v1/signup", l.Middleware("signup"), func(c *gin.Context) {
		c.String(http.StatusCreated, "ok")
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/signup", nil)
		req.RemoteAddr = "198.51.100.4:4242"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := send()
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "2", w.Header().Get("RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("RateLimit-Remaining"))

	assert.Equal(t, http.StatusCreated, send().Code)

	w = send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}
