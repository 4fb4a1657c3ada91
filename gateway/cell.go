package gateway

import (
	"context"
	"sync"
	"time"
)

// Now returns the current time and can be "synthesized" if needed.
var Now = time.Now

// ttlCell is a read-through cache for one value: load on miss, single-flight
// on concurrent miss, evict after TTL. Correctness rests in the DB, so a
// stale height within the TTL is acceptable.
type ttlCell[T any] struct {
	mu       sync.Mutex
	value    T
	loadedAt time.Time
	ttl      time.Duration
	load     func(ctx context.Context) (T, error)
}

func newTTLCell[T any](ttl time.Duration, load func(ctx context.Context) (T, error)) *ttlCell[T] {
	return &ttlCell[T]{ttl: ttl, load: load}
}

func (c *ttlCell[T]) get(ctx context.Context) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loadedAt.IsZero() && Now().Sub(c.loadedAt) < c.ttl {
		return c.value, nil
	}
	v, err := c.load(ctx)
	if err != nil {
		// Serve the stale value if there is one; the caller tolerates lag.
		if !c.loadedAt.IsZero() {
			return c.value, nil
		}
		var zero T
		return zero, err
	}
	c.value = v
	c.loadedAt = Now()
	return v, nil
}
