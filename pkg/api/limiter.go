package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool hands out one token bucket per key and forgets keys idle for
// longer than ttl.
type limiterPool struct {
	name          string
	rps           float64
	burst         int
	ttl           time.Duration
	cleanupPeriod time.Duration

	mu           sync.Mutex
	m            map[string]*limiterEntry
	startCleanup sync.Once
	stopOnce     sync.Once
	stopCh       chan struct{}
}

func newLimiterPool(name string, rps float64, burst int) *limiterPool {
	return &limiterPool{
		name:          name,
		rps:           rps,
		burst:         burst,
		ttl:           10 * time.Minute,
		cleanupPeriod: time.Minute,
		m:             make(map[string]*limiterEntry),
		stopCh:        make(chan struct{}),
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.startCleanup.Do(func() { go p.cleanupLoop() })

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		e.lastSeen = time.Now()
		return e.l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: time.Now()}
	return l
}

// Allow reports whether key may make another request now. A pool with no
// rate configured allows everything.
func (p *limiterPool) Allow(key string) bool {
	if p.rps <= 0 {
		return true
	}
	return p.get(key).Allow()
}

func (p *limiterPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (p *limiterPool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *limiterPool) sweep(cutoff time.Time) {
	p.mu.Lock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
	p.mu.Unlock()
}

func (p *limiterPool) cleanupLoop() {
	ticker := time.NewTicker(p.cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep(time.Now().Add(-p.ttl))
		case <-p.stopCh:
			return
		}
	}
}
