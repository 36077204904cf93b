// Package ratelimit provides token-bucket limiters for the handshake
// path (per client IP) and the request path (per session).
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per IP address to protect the
// upgrade path.
type IPRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates an IP limiter allowing r connections per
// second with the given burst. Stale entries are dropped every
// cleanupInterval.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr is within budget.
func (l *IPRateLimiter) Allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" {
		return true
	}

	l.mu.Lock()
	entry, ok := l.limiters[host]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[host] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.dropStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) dropStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for host, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, host)
		}
	}
}

// Stop ends the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// SessionRateLimiter limits request dispatch per session id. Sessions
// that disappear are forgotten on Remove.
type SessionRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewSessionRateLimiter creates a per-session limiter allowing r
// requests per second with the given burst.
func NewSessionRateLimiter(r float64, burst int) *SessionRateLimiter {
	return &SessionRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether sid may dispatch another request.
func (l *SessionRateLimiter) Allow(sid string) bool {
	l.mu.RLock()
	limiter, ok := l.limiters[sid]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		if limiter, ok = l.limiters[sid]; !ok {
			limiter = rate.NewLimiter(l.rate, l.burst)
			l.limiters[sid] = limiter
		}
		l.mu.Unlock()
	}

	return limiter.Allow()
}

// Remove forgets the limiter for sid.
func (l *SessionRateLimiter) Remove(sid string) {
	l.mu.Lock()
	delete(l.limiters, sid)
	l.mu.Unlock()
}
