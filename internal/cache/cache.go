// Package cache provides small JSON value caches with per-entry TTL: a Redis
// implementation for multi-instance deployments and an in-process one used
// when no Redis address is configured.
package cache

import (
	"context"
	"time"
)

// Cache stores JSON-encodable values under string keys.
type Cache interface {
	// Get decodes the value under key into result and reports whether it
	// was present.
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}
