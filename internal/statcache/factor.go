package statcache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
)

// FactorCache is the durable tier for expensive per-window factor
// computations. Entries are keyed by a content fingerprint of the input
// window plus the computation's own parameters, so a changed archive or
// config can never validate against a stale blob. Entries older than
// MaxAge are recomputed.
//
// Store failures are deliberately non-fatal: the cache degrades to
// direct recomputation and the simulation proceeds.
type FactorCache struct {
	store  Store
	maxAge time.Duration
	hits   atomic.Uint64
	misses atomic.Uint64
	logger *logger.Logger
}

// NewFactorCache creates a factor cache over a store. A zero maxAge
// disables age-based invalidation.
func NewFactorCache(store Store, maxAge time.Duration, log *logger.Logger) *FactorCache {
	if log == nil {
		log = logger.NewNop()
	}
	return &FactorCache{store: store, maxAge: maxAge, logger: log}
}

// GetOrCompute loads the blob for key into dest, calling compute and
// persisting the result on a miss. compute's result is marshalled into
// dest through the same JSON path on both branches, so callers observe
// identical values whether the entry was cached or fresh.
func (c *FactorCache) GetOrCompute(ctx context.Context, key string, dest interface{}, compute func() (interface{}, error)) error {
	if c.store != nil {
		found, createdAt, err := c.store.Get(ctx, key, dest)
		if err != nil {
			c.logger.WithError(err).Warn("Factor cache read failed, recomputing")
		} else if found && !c.expired(createdAt) {
			c.hits.Add(1)
			return nil
		}
	}

	c.misses.Add(1)

	value, err := compute()
	if err != nil {
		return err
	}

	if c.store != nil {
		if err := c.store.Set(ctx, key, value); err != nil {
			c.logger.WithError(err).Warn("Factor cache write failed")
		}
		// Read back through the store's decode path when possible so the
		// cached and fresh shapes stay identical.
		if found, _, err := c.store.Get(ctx, key, dest); err == nil && found {
			return nil
		}
	}

	return remarshal(value, dest)
}

// Counters returns the accumulated hit and miss counts.
func (c *FactorCache) Counters() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *FactorCache) expired(createdAt time.Time) bool {
	if c.maxAge <= 0 {
		return false
	}
	return time.Since(createdAt) > c.maxAge
}
