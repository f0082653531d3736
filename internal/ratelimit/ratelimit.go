package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles one connection's inbound frames and counts how often
// it was refused.
type Limiter struct {
	limiter    *rate.Limiter
	mu         sync.Mutex
	violations int
}

func NewLimiter(perSecond float64, burst int) *Limiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Limiter{limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limiter) Allow() bool {
	if l.limiter.Allow() {
		return true
	}
	l.mu.Lock()
	l.violations++
	l.mu.Unlock()
	return false
}

func (l *Limiter) AllowN(n int) bool {
	return l.limiter.AllowN(time.Now(), n)
}

// Violations returns how many frames were refused so far.
func (l *Limiter) Violations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violations
}

type entry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// ClientLimiters hands out one Limiter per key (user id) and forgets keys
// that have been idle for a while.
type ClientLimiters struct {
	limiters        map[string]*entry
	rate            float64
	burst           int
	mu              sync.Mutex
	idleTTL         time.Duration
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewClientLimiters(perSecond float64, burst int) *ClientLimiters {
	cl := &ClientLimiters{
		limiters:        make(map[string]*entry),
		rate:            perSecond,
		burst:           burst,
		idleTTL:         10 * time.Minute,
		cleanupInterval: 5 * time.Minute,
		stop:            make(chan struct{}),
	}
	go cl.cleanup()
	return cl
}

func (cl *ClientLimiters) Get(key string) *Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if e, ok := cl.limiters[key]; ok {
		e.lastSeen = time.Now()
		return e.limiter
	}

	limiter := NewLimiter(cl.rate, cl.burst)
	cl.limiters[key] = &entry{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func (cl *ClientLimiters) Remove(key string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.limiters, key)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiters) cleanup() {
	ticker := time.NewTicker(cl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.evictIdle(time.Now())
		}
	}
}

func (cl *ClientLimiters) evictIdle(now time.Time) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	evicted := 0
	for key, e := range cl.limiters {
		if now.Sub(e.lastSeen) > cl.idleTTL {
			delete(cl.limiters, key)
			evicted++
		}
	}
	return evicted
}
