package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/supportdesk/internal/identity"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL  = 10 * time.Minute
	limiterPruneGap = time.Minute
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool holds one token bucket per client IP. Idle entries are pruned
// lazily on access.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	lastPrune time.Time
	now       func() time.Time
}

func newLimiterPool(limit rate.Limit, burst int) *limiterPool {
	return &limiterPool{
		m:     make(map[string]*limiterEntry),
		limit: limit,
		burst: burst,
		now:   time.Now,
	}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Sub(p.lastPrune) > limiterPruneGap {
		for k, e := range p.m {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(p.m, k)
			}
		}
		p.lastPrune = now
	}

	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(p.limit, p.burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	return e.l.AllowN(now, 1)
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// RateLimit rejects clients exceeding perMinute requests (with the given
// burst) with 429 Too Many Requests.
func RateLimit(perMinute, burst int) func(http.Handler) http.Handler {
	return rateLimit(newLimiterPool(rate.Limit(float64(perMinute)/60), burst))
}

func rateLimit(pool *limiterPool) func(http.Handler) http.Handler {
	retryAfter := "1"
	if pool.limit > 0 && pool.limit < 1 {
		retryAfter = strconv.Itoa(int(1/float64(pool.limit)) + 1)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !pool.allow(identity.IPFromRequest(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", retryAfter)
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
