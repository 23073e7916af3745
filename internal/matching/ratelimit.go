package matching

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is the two-level guard on the matching surface: a global token
// bucket and one bucket per namespace. Both must admit an operation.
type RateLimiter struct {
	limiters     map[string]*rate.Limiter
	global       *rate.Limiter
	mu           sync.RWMutex
	defaultRate  rate.Limit
	defaultBurst int
}

type RateLimiterConfig struct {
	GlobalRPS      float64
	GlobalBurst    int
	NamespaceRPS   float64
	NamespaceBurst int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GlobalRPS:      1000,
		GlobalBurst:    2000,
		NamespaceRPS:   100,
		NamespaceBurst: 200,
	}
}

func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		limiters:     make(map[string]*rate.Limiter),
		global:       rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		defaultRate:  rate.Limit(cfg.NamespaceRPS),
		defaultBurst: cfg.NamespaceBurst,
	}
}

// Allow consumes one token from both buckets. On a namespace denial the
// global token is already spent; the global bucket is sized to absorb that.
func (l *RateLimiter) Allow(namespace string) bool {
	if !l.global.Allow() {
		return false
	}
	return l.getOrCreateNamespaceLimiter(namespace).Allow()
}

func (l *RateLimiter) AllowN(namespace string, n int) bool {
	now := time.Now()
	if !l.global.AllowN(now, n) {
		return false
	}
	return l.getOrCreateNamespaceLimiter(namespace).AllowN(now, n)
}

func (l *RateLimiter) getOrCreateNamespaceLimiter(namespace string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[namespace]
	l.mu.RUnlock()

	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, ok = l.limiters[namespace]; ok {
		return limiter
	}

	limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
	l.limiters[namespace] = limiter
	return limiter
}

// SetNamespaceLimit overrides one namespace's bucket at runtime.
func (l *RateLimiter) SetNamespaceLimit(namespace string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[namespace] = rate.NewLimiter(rate.Limit(rps), burst)
}

// RemoveNamespaceLimit drops a custom bucket; the namespace falls back to the
// default on next use.
func (l *RateLimiter) RemoveNamespaceLimit(namespace string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, namespace)
}
