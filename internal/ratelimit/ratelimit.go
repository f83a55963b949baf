// Package ratelimit paces upstream calls with one token bucket per site.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"harvestline/internal/domain"
)

// Bucket is a token bucket for a single site. Tokens refill lazily from elapsed
// time on each call; nothing runs in the background.
type Bucket struct {
	site     string
	capacity int
	refill   float64
	limiter  *rate.Limiter
	now      func() time.Time

	mu           sync.Mutex
	backoffUntil time.Time
	lastRefillAt time.Time
}

func NewBucket(site string, capacity int, refillPerSecond float64) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	b := &Bucket{
		site:     site,
		capacity: capacity,
		refill:   refillPerSecond,
		limiter:  rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		now:      time.Now,
	}
	b.lastRefillAt = b.now()
	return b
}

func (b *Bucket) Site() string { return b.site }

// Acquire takes one token, waiting at most maxWait (and never past the context
// deadline) for a token or an upstream backoff to expire. When the wait would
// exceed the bound it fails with domain.ErrRateLimitExceeded without consuming.
func (b *Bucket) Acquire(ctx context.Context, maxWait time.Duration) error {
	if maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	now := b.now()
	b.mu.Lock()
	until := b.backoffUntil
	b.mu.Unlock()
	if wait := until.Sub(now); wait > 0 {
		if deadline, ok := ctx.Deadline(); ok && deadline.Before(until) {
			return b.exceeded(fmt.Sprintf("backing off until %s", until.UTC().Format(time.RFC3339)))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return b.waitErr(ctx)
		case <-timer.C:
		}
	}
	if err := b.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return b.exceeded("no token within wait bound")
	}
	b.mu.Lock()
	b.lastRefillAt = b.now()
	b.mu.Unlock()
	return nil
}

// Backoff blocks the bucket until the given time. Earlier deadlines never shorten an existing backoff.
func (b *Bucket) Backoff(until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(b.backoffUntil) {
		b.backoffUntil = until
	}
}

// Observe lowers the local token estimate to the upstream's reported remaining
// quota. The estimate is never raised. When nothing remains and a reset time is
// known, the bucket backs off until then.
func (b *Bucket) Observe(remaining int, reset time.Time) {
	if remaining < 0 {
		return
	}
	now := b.now()
	if remaining == 0 && reset.After(now) {
		b.Backoff(reset)
	}
	local := b.limiter.TokensAt(now)
	if excess := int(local) - remaining; excess > 0 {
		b.limiter.AllowN(now, excess)
	}
}

// State snapshots the bucket.
func (b *Bucket) State() domain.RateLimiterState {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.RateLimiterState{
		Site:         b.site,
		Capacity:     b.capacity,
		RefillRate:   b.refill,
		Tokens:       b.limiter.TokensAt(now),
		LastRefillAt: b.lastRefillAt,
		BackoffUntil: b.backoffUntil,
	}
}

func (b *Bucket) exceeded(reason string) error {
	return fmt.Errorf("%w: site %s: %s", domain.ErrRateLimitExceeded, b.site, reason)
}

func (b *Bucket) waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return b.exceeded("backoff outlasted wait bound")
}

// Registry holds one independent bucket per site.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
}

func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*Bucket)}
}

// Register installs (or replaces) the bucket for a site.
func (r *Registry) Register(site string, capacity int, refillPerSecond float64) *Bucket {
	b := NewBucket(site, capacity, refillPerSecond)
	r.mu.Lock()
	r.buckets[site] = b
	r.mu.Unlock()
	return b
}

func (r *Registry) Get(site string) (*Bucket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buckets[site]
	return b, ok
}

// States snapshots every bucket ordered by site.
func (r *Registry) States() []domain.RateLimiterState {
	r.mu.RLock()
	buckets := make([]*Bucket, 0, len(r.buckets))
	for _, b := range r.buckets {
		buckets = append(buckets, b)
	}
	r.mu.RUnlock()
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].site < buckets[j].site })
	out := make([]domain.RateLimiterState, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, b.State())
	}
	return out
}
