// Package ratelimit paces outbound calls per account so that one PSN
// identity does not burst past the remote rate limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter provides per-key token bucket rate limiting.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	limit    rate.Limit
	burst    int
	cleanup  time.Duration // how long to keep idle limiters
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyed creates a per-key rate limiter allowing perSecond calls per key
// with bursts of up to burst. A non-positive perSecond disables limiting.
func NewKeyed(perSecond float64, burst int, cleanup time.Duration) *KeyedLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}

	kl := &KeyedLimiter{
		limiters: make(map[string]*entry),
		limit:    limit,
		burst:    burst,
		cleanup:  cleanup,
		stopCh:   make(chan struct{}),
	}
	go kl.cleanupLoop()
	return kl
}

// Close stops the cleanup goroutine.
func (kl *KeyedLimiter) Close() {
	kl.stopOnce.Do(func() { close(kl.stopCh) })
}

func (kl *KeyedLimiter) get(key string) *rate.Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	e, ok := kl.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(kl.limit, kl.burst)}
		kl.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Wait blocks until a call for key may happen or ctx is done.
func (kl *KeyedLimiter) Wait(ctx context.Context, key string) error {
	if err := kl.get(key).Wait(ctx); err != nil {
		log.WithField("key", key).WithError(err).Debug("rate limit wait aborted")
		return err
	}
	return nil
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

// cleanupLoop periodically removes idle limiters.
func (kl *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(kl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-kl.stopCh:
			return
		case <-ticker.C:
			kl.sweep(time.Now())
		}
	}
}

// sweep drops limiters that were idle for a cleanup period and have refilled.
func (kl *KeyedLimiter) sweep(now time.Time) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for key, e := range kl.limiters {
		if now.Sub(e.lastSeen) > kl.cleanup && e.limiter.TokensAt(now) >= float64(kl.burst) {
			delete(kl.limiters, key)
		}
	}
}
