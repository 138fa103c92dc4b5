// Package ratelimit provides per-caller token buckets built on
// golang.org/x/time/rate.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"grimm.is/fwguard/internal/clock"
)

// Limiter keeps one bucket per key. Each bucket holds limit tokens and
// refills at limit per interval.
type Limiter struct {
	every rate.Limit
	burst int
	clk   clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// New creates a limiter allowing limit requests per interval and key. A nil
// clk uses the process clock.
func New(limit int, interval time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Default()
	}
	return &Limiter{
		every:   rate.Limit(float64(limit) / interval.Seconds()),
		burst:   limit,
		clk:     clk,
		buckets: make(map[string]*bucket),
	}
}

func (l *Limiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim
}

// Allow takes one token for key.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN takes n tokens for key, or none if fewer remain.
func (l *Limiter) AllowN(key string, n int) bool {
	now := l.clk.Now()
	return l.get(key, now).AllowN(now, n)
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Prune drops buckets unused for more than maxAge and returns how many were
// dropped.
func (l *Limiter) Prune(maxAge time.Duration) int {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key, b := range l.buckets {
		if now.Sub(b.seen) > maxAge {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// retryAfter is the whole number of seconds until key has a token again,
// at least one.
func (l *Limiter) retryAfter(key string) string {
	now := l.clk.Now()
	missing := 1 - l.get(key, now).TokensAt(now)
	secs := 1
	if missing > 0 && l.every > 0 {
		secs = max(1, int(math.Ceil(missing/float64(l.every))))
	}
	return strconv.Itoa(secs)
}

// Middleware rejects requests over the limit with 429. keyFn derives the
// key, usually the client address.
func (l *Limiter) Middleware(keyFn func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFn(r)
		if !l.Allow(key) {
			w.Header().Set("Retry-After", l.retryAfter(key))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
