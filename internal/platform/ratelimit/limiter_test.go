package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCounterStore is an in-memory CounterStore with the same atomicity
// guarantees as the redis implementation.
type fakeCounterStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{counters: make(map[string]int64)}
}

func (s *fakeCounterStore) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key]++
	return s.counters[key], nil
}

func (s *fakeCounterStore) value(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key]
}

func TestLimiter_NeverExceedsBudgetWithinBucket(t *testing.T) {
	store := newFakeCounterStore()
	limiter := NewLimiter(store, "test")

	// Pin the clock so every caller lands in the same bucket.
	frozen := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return frozen }

	const budget = 10
	const callers = 40

	granted := make(chan struct{}, callers)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(ctx, budget); err == nil {
				granted <- struct{}{}
			}
		}()
	}

	// The first `budget` callers are granted; the rest spin against the full
	// bucket until cancelled.
	deadline := time.After(2 * time.Second)
	for i := 0; i < budget; i++ {
		select {
		case <-granted:
		case <-deadline:
			t.Fatalf("only %d of %d slots granted before deadline", i, budget)
		}
	}

	select {
	case <-granted:
		t.Fatal("limiter granted more slots than the bucket budget")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	wg.Wait()
	assert.Equal(t, 0, len(granted), "no further grants after budget exhausted")
}

func TestLimiter_GrantsAgainInNextBucket(t *testing.T) {
	store := newFakeCounterStore()
	limiter := NewLimiter(store, "test")

	current := time.Unix(1700000000, 0)
	var mu sync.Mutex
	limiter.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	ctx := context.Background()
	require.NoError(t, limiter.Acquire(ctx, 1))

	// Bucket is now full; advancing the clock opens a fresh bucket.
	done := make(chan error, 1)
	go func() { done <- limiter.Acquire(ctx, 1) }()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	current = current.Add(time.Second)
	mu.Unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not recover after bucket rollover")
	}

	assert.EqualValues(t, 1, store.value("test:1700000000"))
	assert.EqualValues(t, 1, store.value("test:1700000001"))
}

func TestLimiter_AcquireRespectsContextCancellation(t *testing.T) {
	store := newFakeCounterStore()
	limiter := NewLimiter(store, "test")
	frozen := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return frozen }

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, limiter.Acquire(ctx, 1))

	done := make(chan error, 1)
	go func() { done <- limiter.Acquire(ctx, 1) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe cancellation")
	}
}

func TestLimiter_RejectsNonPositiveBudget(t *testing.T) {
	limiter := NewLimiter(newFakeCounterStore(), "test")
	err := limiter.Acquire(context.Background(), 0)
	assert.Error(t, err)
}

func TestPerCampaignBudget(t *testing.T) {
	tests := []struct {
		name        string
		global      int
		maxParallel int
		floor       int
		want        int
	}{
		{"even division", 50, 5, 1, 10},
		{"floor division", 10, 3, 1, 3},
		{"clamped to floor", 5, 10, 2, 2},
		{"zero parallel treated as one", 7, 0, 1, 7},
		{"floor defaults to one", 0, 4, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PerCampaignBudget(tt.global, tt.maxParallel, tt.floor))
		})
	}
}
