package server

import (
	"fmt"
	"sync"
	"time"
)

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int

	// ChunkLimit bounds POST /api/upload requests per client IP inside
	// ChunkWindow. Zero disables the per-client limit.
	ChunkLimit  int
	ChunkWindow time.Duration

	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global       *tokenBucket
	chunkLimit   int
	chunkWindow  time.Duration
	chunkMu      sync.Mutex
	chunkBuckets map[string]*ipLimiter
	store        tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		chunkLimit:   cfg.ChunkLimit,
		chunkWindow:  cfg.ChunkWindow,
		chunkBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.chunkLimit <= 0 {
		rl.chunkLimit = 0
	}
	if rl.chunkWindow <= 0 {
		rl.chunkWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.chunkLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowChunk rate limits chunk intake per client key, preferring the shared
// Redis window when configured so every node enforces the same budget.
func (r *rateLimiter) AllowChunk(key string) (bool, time.Duration, error) {
	if r == nil || r.chunkLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		allowed, retryAfter, err := r.store.Allow(fmt.Sprintf("chunkstream:chunks:%s", key), r.chunkLimit, r.chunkWindow)
		return allowed, retryAfter, err
	}
	if key == "" {
		key = "unknown"
	}
	r.chunkMu.Lock()
	bucket, exists := r.chunkBuckets[key]
	if !exists {
		rate := float64(r.chunkLimit) / r.chunkWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.chunkWindow.Seconds()
		}
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.chunkLimit)}
		r.chunkBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.chunkMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.chunkBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.chunkWindow)
	for key, bucket := range r.chunkBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.chunkBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
