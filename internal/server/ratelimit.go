package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiters hands out one token bucket per authenticated actor.
type limiters struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newLimiters(perSecond float64, burst int) *limiters {
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &limiters{limit: rate.Limit(perSecond), burst: burst, buckets: map[string]*rate.Limiter{}}
}

func (l *limiters) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = lim
	}
	return lim
}

// newRateLimitMiddleware rejects requests over the actor's budget with 429.
// A non-positive rate disables limiting.
func newRateLimitMiddleware(perSecond float64, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	l := newLimiters(perSecond, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			key := req.RemoteAddr
			if p, ok := principalFromContext(req.Context()); ok && p.ActorID != "" {
				key = p.ActorID
			}
			res := l.get(key).Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(delay/time.Second)+1))
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", nil))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
