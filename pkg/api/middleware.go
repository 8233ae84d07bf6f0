package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitor tracks one remote address's token bucket.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// GlobalRateLimiter throttles requests per remote address, independent of
// the domain-level SMS burst limiter in the decision pipeline. It exists
// to protect the process itself from being overwhelmed, not to enforce
// any business rule.
type GlobalRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

// NewGlobalRateLimiter constructs a limiter allowing rps requests per
// second per remote address, with the given burst, and starts a
// background goroutine evicting idle visitors.
func NewGlobalRateLimiter(rps float64, burst int) *GlobalRateLimiter {
	l := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go l.evictStale()
	return l
}

func (l *GlobalRateLimiter) getVisitor(addr string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[addr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[addr] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (l *GlobalRateLimiter) evictStale() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		for addr, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, addr)
			}
		}
		l.mu.Unlock()
	}
}

// Middleware wraps next, rejecting with 429 once a remote address exceeds
// its token bucket.
func (l *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		if !l.getVisitor(host).Allow() {
			w.Header().Set("Retry-After", "5")
			WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "")
			return
		}

		next.ServeHTTP(w, r)
	})
}
