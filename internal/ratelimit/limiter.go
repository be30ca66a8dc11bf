package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	cleanupInterval = 3 * time.Minute
	visitorIdle     = 5 * time.Minute
)

// Limiter is a per-IP token bucket rate limiter.
type Limiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether a request from ip should be permitted.
func (l *Limiter) Allow(ip string) bool {
	_, ok := l.Take(ip, 1)
	return ok
}

// Take spends n tokens from the bucket for ip. n is capped at the burst size.
// When the bucket cannot cover n now, nothing is spent and Take returns the
// time until it could.
func (l *Limiter) Take(ip string, n int) (time.Duration, bool) {
	l.mu.Lock()
	v, exists := l.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	now := l.now()
	v.lastSeen = now
	l.mu.Unlock()

	n = max(1, min(n, l.burst))
	r := v.limiter.ReserveN(now, n)
	if !r.OK() {
		return 0, false
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return wait, false
	}
	return 0, true
}

// Run drops idle visitors until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if l.now().Sub(v.lastSeen) >= visitorIdle {
			delete(l.visitors, ip)
		}
	}
}
