// Package cache holds the process-wide read-through cache that sits in front
// of ledger and listing queries.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"agora/api/internal/apperr"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL            = time.Second
	DefaultCapacity       = 4096
	DefaultComputeTimeout = 5 * time.Second
)

type entry struct {
	gen   uint64
	value any
}

// Freshness serves values fetched within a short TTL and recomputes them
// otherwise. Each key carries a generation that Invalidate bumps; a compute
// that started before an invalidation is never stored, so a read after an
// invalidation never sees a value older than it.
type Freshness struct {
	entries        *expirable.LRU[string, entry]
	group          singleflight.Group
	computeTimeout time.Duration

	mu   sync.Mutex
	gens map[string]uint64
}

// NewFreshness builds a cache holding up to capacity keys for ttl each. A
// shared compute runs for at most computeTimeout.
func NewFreshness(capacity int, ttl, computeTimeout time.Duration) *Freshness {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if computeTimeout <= 0 {
		computeTimeout = DefaultComputeTimeout
	}
	return &Freshness{
		entries:        expirable.NewLRU[string, entry](capacity, nil, ttl),
		computeTimeout: computeTimeout,
		gens:           map[string]uint64{},
	}
}

func (c *Freshness) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key]
}

// Get returns the cached value for key or runs compute. Concurrent misses for
// the same key and generation share one compute, which runs detached from any
// single caller and bounded by the compute timeout. Each caller stops waiting
// when its own ctx is done.
func (c *Freshness) Get(ctx context.Context, key string, compute func(context.Context) (any, error)) (any, error) {
	gen := c.generation(key)
	if cached, ok := c.entries.Get(key); ok && cached.gen == gen {
		hits.WithLabelValues(family(key)).Inc()
		return cached.value, nil
	}
	misses.WithLabelValues(family(key)).Inc()

	flightKey := key + "#" + strconv.FormatUint(gen, 10)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()
		value, err := compute(flightCtx)
		if err != nil {
			return nil, unavailable(err)
		}
		c.mu.Lock()
		if c.gens[key] == gen {
			c.entries.Add(key, entry{gen: gen, value: value})
		}
		c.mu.Unlock()
		return value, nil
	})

	select {
	case <-ctx.Done():
		return nil, unavailable(ctx.Err())
	case res := <-ch:
		return res.Val, res.Err
	}
}

// unavailable reports an abandoned or timed-out read as retryable.
func unavailable(err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Unavailable("read did not complete in time", err)
	}
	return err
}

// Invalidate forces the next Get of each key to recompute.
func (c *Freshness) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.gens[key]++
		c.entries.Remove(key)
	}
	invalidations.Add(float64(len(keys)))
}

func (c *Freshness) Len() int {
	return c.entries.Len()
}

// Fetch is Get with a typed result.
func Fetch[T any](ctx context.Context, c *Freshness, key string, compute func(context.Context) (T, error)) (T, error) {
	value, err := c.Get(ctx, key, func(ctx context.Context) (any, error) {
		return compute(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache key %s holds %T", key, value)
	}
	return typed, nil
}
