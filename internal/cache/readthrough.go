package cache

import (
	"context"
)

// LoadFunc produces the value for a cache miss.
type LoadFunc func(ctx context.Context) (any, error)

// GetOrLoad returns the fresh cached value for key, or calls load and
// stores its result. Concurrent misses for the same key share one load.
// Errors are returned to every waiter and are not cached. A panicking load
// is re-raised in every caller waiting on it and the key is released.
func (c *Cache) GetOrLoad(ctx context.Context, key string, load LoadFunc) (any, error) {
	if v, ok := c.Lookup(key); ok {
		return v, nil
	}

	v, err, shared := c.loads.Do(key, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Store(key, v)
		return v, nil
	})
	if shared {
		c.logger.WithField("key", key).Debug("shared in-flight load")
	}
	return v, err
}
