package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	bucketTTL       = 24 * time.Hour
	cleanupInterval = 10 * time.Minute
)

// ipRateLimiter keeps one token bucket per client IP. Each bucket holds cap
// tokens and refills them evenly over window.
type ipRateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	lim  *rate.Limiter
	last time.Time
}

func newIPRateLimiter(cap int, window time.Duration) *ipRateLimiter {
	if cap < 1 {
		cap = 1
	}
	rl := &ipRateLimiter{
		limit:   rate.Every(window / time.Duration(cap)),
		burst:   cap,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go rl.loop()
	return rl
}

func (rl *ipRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	b := rl.buckets[key]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.last = now
	return b.lim.AllowN(now, 1)
}

func (rl *ipRateLimiter) loop() {
	t := time.NewTicker(cleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-t.C:
			rl.cleanup()
		}
	}
}

// cleanup forgets clients idle for longer than bucketTTL.
func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-bucketTTL)
	for ip, b := range rl.buckets {
		if b.last.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (rl *ipRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// allowAll is used when rate limiting is disabled.
type allowAll struct{}

func (allowAll) Allow(string) bool { return true }
