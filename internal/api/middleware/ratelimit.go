package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterTTL is how long an idle per-user limiter survives before pruning.
const limiterTTL = 10 * time.Minute

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// UserRateLimiter enforces a per-user request budget on the inbox surface.
// Unauthenticated requests fall back to a per-IP bucket so the login path
// is still protected.
type UserRateLimiter struct {
	perSecond rate.Limit
	burst     int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func NewUserRateLimiter(perSecond int) *UserRateLimiter {
	return &UserRateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     perSecond * 2,
		entries:   make(map[string]*limiterEntry),
	}
}

// Middleware rejects requests over budget with 429 and a Retry-After hint.
func (l *UserRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := UserID(r.Context())
		if key == "" {
			key = "ip:" + r.RemoteAddr
		}
		if !l.allow(key) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *UserRateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.entries[key]
	if !ok {
		// Prune opportunistically on insert so the map tracks the set of
		// recently active users, not every user ever seen.
		if len(l.entries) > 10000 {
			for k, old := range l.entries {
				if now.Sub(old.seen) > limiterTTL {
					delete(l.entries, k)
				}
			}
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.perSecond, l.burst)}
		l.entries[key] = e
	}
	e.seen = now
	return e.lim.Allow()
}
