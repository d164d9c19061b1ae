package icmp

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter caps the ICMP error messages sent toward each source address
// per window. Counts live in the current window only and are discarded
// when it expires.
type RateLimiter struct {
	mu           sync.Mutex
	current      map[netip.Addr]*atomic.Int64 // source -> errors sent in current window
	windowStart  time.Time
	windowSize   time.Duration
	maxPerWindow int64

	suppressed atomic.Int64
}

// RateLimiterConfig configures per-source ICMP error rate limiting.
type RateLimiterConfig struct {
	MaxPerSource int           // errors per source per window (0 = disabled)
	Window       time.Duration // default 1s
}

// NewRateLimiter creates a rate limiter. Returns nil if disabled
// (MaxPerSource <= 0); a nil limiter allows everything.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxPerSource <= 0 {
		return nil
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &RateLimiter{
		current:      make(map[netip.Addr]*atomic.Int64),
		windowStart:  time.Now(),
		windowSize:   cfg.Window,
		maxPerWindow: int64(cfg.MaxPerSource),
	}
}

// Allow reports whether an error message toward src may be sent at now.
func (l *RateLimiter) Allow(src netip.Addr, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	if now.Sub(l.windowStart) >= l.windowSize {
		l.current = make(map[netip.Addr]*atomic.Int64)
		l.windowStart = now
	}
	counter, ok := l.current[src]
	if !ok {
		counter = &atomic.Int64{}
		l.current[src] = counter
	}
	l.mu.Unlock()

	if counter.Add(1) > l.maxPerWindow {
		l.suppressed.Add(1)
		return false
	}
	return true
}

// Suppressed returns the number of messages Allow refused.
func (l *RateLimiter) Suppressed() int64 {
	if l == nil {
		return 0
	}
	return l.suppressed.Load()
}

// ActiveSources returns the number of sources seen in the current window.
func (l *RateLimiter) ActiveSources() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current)
}
