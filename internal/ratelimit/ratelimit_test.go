package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/domain"
)

func TestAcquireConsumesUpToCapacity(t *testing.T) {
	b := NewBucket("so", 3, 0.001)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Acquire(ctx, 10*time.Millisecond))
	}
	err := b.Acquire(ctx, 20*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrRateLimitExceeded)
}

func TestAcquireWaitsForRefill(t *testing.T) {
	b := NewBucket("hn", 1, 50)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx, time.Second))
	start := time.Now()
	require.NoError(t, b.Acquire(ctx, time.Second))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBucketIsolation(t *testing.T) {
	reg := NewRegistry()
	slow := reg.Register("github", 1, 0.0001)
	fast := reg.Register("reddit", 5, 10)
	ctx := context.Background()

	require.NoError(t, slow.Acquire(ctx, 0))
	done := make(chan error, 1)
	go func() { done <- slow.Acquire(ctx, 300*time.Millisecond) }()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, fast.Acquire(ctx, 50*time.Millisecond))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	require.ErrorIs(t, <-done, domain.ErrRateLimitExceeded)
}

func TestBackoffBlocksUntilExpiry(t *testing.T) {
	b := NewBucket("so", 5, 10)
	b.Backoff(time.Now().Add(time.Hour))
	err := b.Acquire(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrRateLimitExceeded)
	assert.True(t, b.State().BackoffUntil.After(time.Now()))

	short := NewBucket("gh", 5, 10)
	short.Backoff(time.Now().Add(30 * time.Millisecond))
	require.NoError(t, short.Acquire(context.Background(), time.Second))
}

func TestBackoffNeverShortens(t *testing.T) {
	b := NewBucket("so", 1, 1)
	far := time.Now().Add(time.Hour)
	b.Backoff(far)
	b.Backoff(time.Now().Add(time.Second))
	assert.True(t, b.State().BackoffUntil.Equal(far))
}

func TestObserveClampsDownwardOnly(t *testing.T) {
	b := NewBucket("gh", 10, 0.0001)
	b.Observe(2, time.Time{})
	assert.InDelta(t, 2, b.State().Tokens, 0.01)

	b.Observe(8, time.Time{})
	assert.InDelta(t, 2, b.State().Tokens, 0.01)
}

func TestObserveExhaustedBacksOffUntilReset(t *testing.T) {
	b := NewBucket("gh", 10, 10)
	reset := time.Now().Add(time.Minute)
	b.Observe(0, reset)
	assert.True(t, b.State().BackoffUntil.Equal(reset))
	require.ErrorIs(t, b.Acquire(context.Background(), 10*time.Millisecond), domain.ErrRateLimitExceeded)
}

func TestAcquireHonorsCancellation(t *testing.T) {
	b := NewBucket("so", 1, 0.0001)
	require.NoError(t, b.Acquire(context.Background(), 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Acquire(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRegistryStatesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("so", 1, 1)
	reg.Register("gh", 2, 2)
	states := reg.States()
	require.Len(t, states, 2)
	assert.Equal(t, "gh", states[0].Site)
	assert.Equal(t, 2, states[0].Capacity)
	_, ok := reg.Get("missing")
	assert.False(t, ok)
}
