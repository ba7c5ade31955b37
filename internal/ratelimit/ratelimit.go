// Package ratelimit keeps one token bucket per key, such as an installation id.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	xerrors "ExtensionHost/internal/errors"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed hands out a token bucket per key. Buckets idle for longer than the idle window are
// dropped on the next sweep.
type Keyed struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// New creates a Keyed limiter. A non-positive rate disables limiting.
func New(perSecond float64, burst int) *Keyed {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Keyed{
		limit:   limit,
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (k *Keyed) get(key string) *rate.Limiter {
	now := k.now()
	k.mu.Lock()
	defer k.mu.Unlock()
	if now.Sub(k.lastSweep) > k.idle {
		for id, b := range k.buckets {
			if now.Sub(b.lastSeen) > k.idle {
				delete(k.buckets, id)
			}
		}
		k.lastSweep = now
	}
	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Allow takes one token for key without waiting.
func (k *Keyed) Allow(key string) bool {
	if k == nil || k.limit == rate.Inf {
		return true
	}
	return k.get(key).AllowN(k.now(), 1)
}

// Check is Allow returning RATE_LIMITED.
func (k *Keyed) Check(key string) error {
	if k.Allow(key) {
		return nil
	}
	return xerrors.New(xerrors.CodeRateLimited, fmt.Sprintf("rate limit exceeded for %s", key))
}

// Wait blocks until a token for key is available or ctx ends.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	if k == nil || k.limit == rate.Inf {
		return nil
	}
	if err := k.get(key).Wait(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeRateLimited, err, fmt.Sprintf("rate limit wait for %s", key))
	}
	return nil
}

// Forget drops the bucket of key.
func (k *Keyed) Forget(key string) {
	if k == nil {
		return
	}
	k.mu.Lock()
	delete(k.buckets, key)
	k.mu.Unlock()
}

// Len returns the number of live buckets.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
