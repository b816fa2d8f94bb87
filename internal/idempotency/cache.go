// Package idempotency deduplicates concurrent identical recovery
// requests. A Redis record suppresses duplicates across processes within
// the TTL window; singleflight collapses concurrent callers inside one
// process so the computation runs at most once.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/permithq/payment-reconciler/internal/cache"
	"github.com/permithq/payment-reconciler/internal/logger"
	"github.com/permithq/payment-reconciler/internal/metrics"
)

const keyPrefix = "idem:recovery:"

// Store is the key/value backend. The shared Redis client satisfies it.
type Store interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Cache wraps the shared store with request-identity keys.
type Cache struct {
	store Store
	log   *logger.Logger
	group singleflight.Group
}

// New creates an idempotency cache over the given store.
func New(store Store, log *logger.Logger) *Cache {
	return &Cache{store: store, log: log}
}

// Key derives the stable idempotency key for a recovery request. The key
// is a function of request identity only; time-varying data is excluded
// so repeated calls for the same logical operation collide.
func Key(applicationID, paymentIntentID string) string {
	sum := sha256.Sum256([]byte(applicationID + "|" + paymentIntentID))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// GetOrCompute returns the cached result for key into dest, or runs
// compute, stores the result with ttl, and copies it into dest. The hit
// return is true when compute did not run in this call. A degraded cache
// never blocks the computation.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, dest interface{}, compute func(ctx context.Context) (interface{}, error)) (bool, error) {
	err := c.store.Get(ctx, key, dest)
	if err == nil {
		metrics.IdempotencyHitsTotal.WithLabelValues("hit").Inc()
		return true, nil
	}
	if !errors.Is(err, cache.ErrNotFound) && c.log != nil {
		c.log.Warn("idempotency cache read failed, computing anyway", "key", key, "error", err)
	}
	metrics.IdempotencyHitsTotal.WithLabelValues("miss").Inc()

	value, err, shared := c.group.Do(key, func() (interface{}, error) {
		result, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.store.Set(ctx, key, result, ttl); err != nil && c.log != nil {
			c.log.Warn("failed to store idempotency record", "key", key, "error", err)
		}
		return result, nil
	})
	if err != nil {
		return false, err
	}

	if err := copyValue(value, dest); err != nil {
		return false, err
	}
	return shared, nil
}

// copyValue moves the computed value into dest through a JSON round trip,
// matching what later cache hits will observe.
func copyValue(value, dest interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to copy result: %w", err)
	}
	return nil
}
