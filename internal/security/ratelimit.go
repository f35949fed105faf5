package security

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IngressLimiter is a per-client-IP token-bucket safety valve at the HTTP
// boundary, distinct from the router's per-provider fixed-window limiter in
// the shared state store (internal/state). This one is local to a single
// gateway process and exists to blunt abusive clients before a request ever
// reaches the dispatcher.
type IngressLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rps       rate.Limit
	burst     int
	lastSeen  map[string]time.Time
}

func NewIngressLimiter(requestsPerMinute int, burst int) *IngressLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &IngressLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rps:      rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
	}
}

func (l *IngressLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	l.lastSeen[key] = time.Now()
	return lim
}

// Allow reports whether the given client key (typically the remote IP) may
// proceed right now.
func (l *IngressLimiter) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}

// Sweep evicts limiters idle longer than maxAge, bounding memory growth for
// long-running processes with many distinct clients.
func (l *IngressLimiter) Sweep(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for key, seen := range l.lastSeen {
		if now.Sub(seen) > maxAge {
			delete(l.limiters, key)
			delete(l.lastSeen, key)
		}
	}
}

// ClientKey extracts the rate-limit identity from a request: the remote IP,
// stripped of port.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
