package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"pharmapos/internal/apierror"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// rateEntry tracks request counts per client IP within one fixed window.
type rateEntry struct {
	count     int
	windowEnd time.Time
}

// ipLimiter is a fixed-window counter keyed by client IP.
type ipLimiter struct {
	name    string
	limit   int
	window  time.Duration
	mu      sync.Mutex
	entries map[string]*rateEntry
	now     func() time.Time
}

func newIPLimiter(name string, limit int, window time.Duration) *ipLimiter {
	return &ipLimiter{name: name, limit: limit, window: window, entries: map[string]*rateEntry{}, now: time.Now}
}

// allow counts one request from ip and reports whether it is within budget,
// along with the end of the current window.
func (l *ipLimiter) allow(ip string) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.entries[ip]
	if !ok || now.After(e.windowEnd) {
		e = &rateEntry{windowEnd: now.Add(l.window)}
		l.entries[ip] = e
	}
	e.count++
	return e.count <= l.limit, e.windowEnd
}

func (l *ipLimiter) purge() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	purged := 0
	for ip, e := range l.entries {
		if now.After(e.windowEnd) {
			delete(l.entries, ip)
			purged++
		}
	}
	return purged
}

// ── Purge goroutine ───────────────────────────────────────────────────────────
// Expired entries are dropped periodically so IPs that never return do not
// accumulate.

const purgeInterval = 5 * time.Minute

func (l *ipLimiter) purgeLoop() {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for range ticker.C {
		if n := l.purge(); n > 0 {
			log.Debug().Str("limiter", l.name).Int("entries_purged", n).Msg("rate limiter purged")
		}
	}
}

// RateLimiter allows limit requests per window per client IP.
func RateLimiter(name string, limit int, window time.Duration) gin.HandlerFunc {
	l := newIPLimiter(name, limit, window)
	go l.purgeLoop()
	return l.handler()
}

func (l *ipLimiter) handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, windowEnd := l.allow(c.ClientIP())
		if !ok {
			retry := int(time.Until(windowEnd).Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, apierror.WithCode("RATE_LIMITED", "too many requests, retry shortly"))
			return
		}
		c.Next()
	}
}
