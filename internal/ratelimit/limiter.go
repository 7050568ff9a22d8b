// Package ratelimit throttles requests with one token bucket per key.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Tier selects which bucket parameters apply to a key.
type Tier int

const (
	// TierUser covers authenticated API traffic, keyed by user id.
	TierUser Tier = iota
	// TierAuth covers credential endpoints (login, register, code
	// verification, password reset), keyed by client IP.
	TierAuth
)

func (t Tier) String() string {
	if t == TierAuth {
		return "auth"
	}
	return "user"
}

// Config holds bucket parameters per tier.
type Config struct {
	UserRPS         float64
	UserBurst       int
	AuthRPS         float64
	AuthBurst       int
	CleanupInterval time.Duration // idle buckets older than this are dropped
}

// DefaultConfig is used when nothing is configured.
var DefaultConfig = Config{
	UserRPS:         10,
	UserBurst:       20,
	AuthRPS:         0.2,
	AuthBurst:       5,
	CleanupInterval: time.Hour,
}

type bucketKey struct {
	tier Tier
	key  string
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// RateLimiter owns the buckets and a background cleanup loop.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	config  Config
	now     func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRateLimiter starts a limiter; call Stop on shutdown.
func NewRateLimiter(config Config) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig.CleanupInterval
	}
	rl := &RateLimiter{
		buckets: make(map[bucketKey]*bucket),
		config:  config,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	rl.wg.Add(1)
	go rl.cleanupLoop()
	return rl
}

// Allow takes one token from key's bucket in tier.
func (rl *RateLimiter) Allow(key string, tier Tier) bool {
	return rl.GetLimiter(key, tier).Allow()
}

// GetLimiter returns key's bucket in tier, creating it on first use.
func (rl *RateLimiter) GetLimiter(key string, tier Tier) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	k := bucketKey{tier: tier, key: key}
	if b, ok := rl.buckets[k]; ok {
		b.lastUsed = rl.now()
		return b.limiter
	}

	rps, burst := rl.config.UserRPS, rl.config.UserBurst
	if tier == TierAuth {
		rps, burst = rl.config.AuthRPS, rl.config.AuthBurst
	}
	b := &bucket{
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		lastUsed: rl.now(),
	}
	rl.buckets[k] = b
	return b.limiter
}

// Cleanup drops buckets idle for longer than the cleanup interval.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.config.CleanupInterval)
	for k, b := range rl.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
}

func (rl *RateLimiter) cleanupLoop() {
	defer rl.wg.Done()

	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop ends the cleanup loop and waits for it.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
	rl.wg.Wait()
}

// Len returns the number of live buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
