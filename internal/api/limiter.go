package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdle   = 10 * time.Minute
	limiterPruneN = 1024
)

type clientLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter hands out one token bucket per client address.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimit
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &clientLimiter{
		clients: make(map[string]*clientLimit),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether the client behind r may place another bet now.
func (l *clientLimiter) Allow(r *http.Request) bool {
	key := clientKey(r)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.clients) >= limiterPruneN {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdle {
				delete(l.clients, k)
			}
		}
	}

	c, ok := l.clients[key]
	if !ok {
		c = &clientLimit{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// clientKey is the request's remote host. middleware.RealIP rewrites
// RemoteAddr from proxy headers before this runs.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
