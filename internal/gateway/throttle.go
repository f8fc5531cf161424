package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	throttleIdle     = 10 * time.Minute
	throttleSweepLen = 1024
)

// throttle keeps one token bucket per client address.
type throttle struct {
	limit rate.Limit
	burst int
	clock func() time.Time

	mu      sync.Mutex
	clients map[string]*throttleEntry
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newThrottle returns nil when perSecond is zero, which disables
// throttling.
func newThrottle(perSecond float64, burst int) *throttle {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &throttle{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clock:   time.Now,
		clients: make(map[string]*throttleEntry),
	}
}

func (t *throttle) Allow(client string) bool {
	if t == nil {
		return true
	}
	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.clients) >= throttleSweepLen {
		for k, e := range t.clients {
			if now.Sub(e.lastSeen) > throttleIdle {
				delete(t.clients, k)
			}
		}
	}
	e, ok := t.clients[client]
	if !ok {
		e = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.clients[client] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
