package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientIdle is how long a client's budget outlives its last request.
const clientIdle = 10 * time.Minute

// throttle gives every client address a token bucket refilled at a fixed
// number of requests per minute. Idle buckets are dropped while serving
// requests, at most once per clientIdle.
type throttle struct {
	every rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens *rate.Limiter
	seen   time.Time
}

func newThrottle(perMinute int) *throttle {
	if perMinute < 1 {
		perMinute = 1
	}

	return &throttle{
		every:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		now:     time.Now,
		buckets: make(map[string]*bucket, 64),
	}
}

// take spends one request of client's budget. It returns zero when the
// request may proceed, otherwise the time until a token is available.
func (t *throttle) take(client string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	if now.Sub(t.lastSweep) >= clientIdle {
		for c, b := range t.buckets {
			if now.Sub(b.seen) >= clientIdle {
				delete(t.buckets, c)
			}
		}

		t.lastSweep = now
	}

	b, ok := t.buckets[client]
	if !ok {
		b = &bucket{tokens: rate.NewLimiter(t.every, t.burst)}
		t.buckets[client] = b
	}

	b.seen = now

	res := b.tokens.ReserveN(now, 1)
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)

		return wait
	}

	return 0
}

func (t *throttle) clients() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.buckets)
}

// rateLimit rejects requests over the per-client budget with 429 and a
// Retry-After hint.
func (s *server) rateLimit(perMinute int) func(http.Handler) http.Handler {
	t := newThrottle(perMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if wait := t.take(clientAddr(r)); wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr is the first X-Forwarded-For hop, or the peer host.
func clientAddr(r *http.Request) string {
	if hops := r.Header.Get("X-Forwarded-For"); hops != "" {
		first, _, _ := strings.Cut(hops, ",")

		return strings.TrimSpace(first)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}
