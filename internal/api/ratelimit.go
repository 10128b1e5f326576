package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nearfield-data/proximity.live/internal/monitoring"
)

// DefaultRateLimit is the per-client request budget per minute.
const DefaultRateLimit = 600

// rateLimiter is a fixed-window per-client counter. Windows reset lazily
// on the client's next request, so an idle client costs nothing; a sweep
// drops clients whose window lapsed long ago to bound the map.
type rateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientWindow
	lastSweep time.Time
}

type clientWindow struct {
	start time.Time
	count int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*clientWindow),
	}
}

// allow records one request for the client and reports whether it fits
// the current window.
func (rl *rateLimiter) allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweepLocked(now)

	cw := rl.clients[client]
	if cw == nil || now.Sub(cw.start) >= rl.window {
		rl.clients[client] = &clientWindow{start: now, count: 1}
		return true
	}
	cw.count++
	return cw.count <= rl.limit
}

// retryAfter reports seconds until the client's window resets, for the
// Retry-After header. At least 1 so clients never busy-loop.
func (rl *rateLimiter) retryAfter(client string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cw := rl.clients[client]
	if cw == nil {
		return 1
	}
	remaining := rl.window - rl.now().Sub(cw.start)
	secs := int(remaining / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// sweepLocked drops clients idle for two full windows. Runs at most once
// per window so the common path stays a map lookup.
func (rl *rateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	rl.lastSweep = now
	for client, cw := range rl.clients {
		if now.Sub(cw.start) >= 2*rl.window {
			delete(rl.clients, client)
		}
	}
}

// clientKey identifies the requester by address, ignoring the ephemeral
// port so reconnects share a window.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimited wraps a handler with the per-client budget. With no limiter
// configured it passes straight through.
func (s *Server) rateLimited(next http.HandlerFunc) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		if !s.limiter.allow(client) {
			monitoring.APIRateLimited.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(s.limiter.retryAfter(client)))
			s.writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next(w, r)
	})
}
