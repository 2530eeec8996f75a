// Package ratelimit implements the shared send-budget arbiter used by every
// in-flight campaign. The budget is enforced per one-second wall-clock bucket
// with an atomic counter in a shared store, so logically independent worker
// processes observe the same budget without holding any cross-process lock.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

const (
	// retryDelay is the fixed backoff before re-checking a full bucket.
	retryDelay = 50 * time.Millisecond

	// bucketTTL keeps at least two buckets alive so a counter incremented
	// just before a bucket boundary cannot expire mid-check.
	bucketTTL = 3 * time.Second
)

// CounterStore is an atomic increment-with-expiry primitive. The production
// implementation is redis; tests use an in-memory fake.
type CounterStore interface {
	// Incr atomically increments key, sets ttl when the key is created, and
	// returns the post-increment value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Limiter grants send slots against a per-second budget shared across all
// concurrent campaign workers. Callers must accept brief bursts at bucket
// boundaries; this is a bucket-aligned approximation, not a sliding window.
type Limiter struct {
	store     CounterStore
	keyPrefix string
	now       func() time.Time
}

// NewLimiter creates a Limiter over the given counter store. keyPrefix
// namespaces the bucket keys so multiple limiters can share one store.
func NewLimiter(store CounterStore, keyPrefix string) *Limiter {
	return &Limiter{store: store, keyPrefix: keyPrefix, now: time.Now}
}

// Acquire blocks until a slot is available in the current one-second bucket,
// then returns. It returns early with the context error on cancellation.
func (l *Limiter) Acquire(ctx context.Context, budgetPerSecond int) error {
	if budgetPerSecond <= 0 {
		return fmt.Errorf("ratelimit: budget must be positive, got %d", budgetPerSecond)
	}
	for {
		bucket := l.now().Unix()
		key := fmt.Sprintf("%s:%d", l.keyPrefix, bucket)
		n, err := l.store.Incr(ctx, key, bucketTTL)
		if err != nil {
			return fmt.Errorf("ratelimit: increment bucket: %w", err)
		}
		if n <= int64(budgetPerSecond) {
			return nil
		}
		// Bucket full; back off and retry against the (possibly new) bucket.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// PerCampaignBudget is the static division of the global budget across the
// configured maximum number of parallel campaigns, clamped to floor. Dynamic
// allocation based on actual concurrency is deliberately not attempted.
func PerCampaignBudget(globalBudget, maxParallelCampaigns, floor int) int {
	if maxParallelCampaigns < 1 {
		maxParallelCampaigns = 1
	}
	if floor < 1 {
		floor = 1
	}
	budget := globalBudget / maxParallelCampaigns
	if budget < floor {
		return floor
	}
	return budget
}
