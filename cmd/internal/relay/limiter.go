package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 30 * time.Minute
	limiterSweepEvery = 5 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// clientLimiter hands out one token bucket per remote address. Idle buckets are swept lazily on
// access, so no background goroutine is needed.
type clientLimiter struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*limiterEntry
	lastSweep time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*limiterEntry),
	}
}

// reserve reports whether key may proceed now and, if not, how long it should wait.
func (c *clientLimiter) reserve(key string, now time.Time) (bool, time.Duration) {
	if c == nil || c.rps <= 0 {
		return true, 0
	}

	c.mu.Lock()
	if now.Sub(c.lastSweep) >= limiterSweepEvery {
		c.sweepLocked(now)
	}
	e, ok := c.clients[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(c.rps, c.burst)}
		c.clients[key] = e
	}
	e.lastSeen = now
	c.mu.Unlock()

	r := e.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (c *clientLimiter) sweepLocked(now time.Time) {
	cut := now.Add(-limiterIdleTTL)
	for k, e := range c.clients {
		if e.lastSeen.Before(cut) {
			delete(c.clients, k)
		}
	}
	c.lastSweep = now
}

func (c *clientLimiter) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}
