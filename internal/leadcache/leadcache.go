// Package leadcache invalidates cached lead data after a recording upload
// so the CRM UI refreshes a lead's history. Invalidation is strictly
// best-effort: a cache failure must never fail the upload that triggered it.
package leadcache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Invalidator clears cached lead data. A nil *Cache is a valid no-op
// invalidator, used when no redis address is configured.
type Invalidator interface {
	Invalidate(ctx context.Context, leadID int64)
}

// Cache is a redis-backed lead cache invalidator.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// Open connects to redis and validates connectivity via PING.
func Open(ctx context.Context, addr string, logger *slog.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("lead cache invalidation enabled", "redis_addr", addr)
	return &Cache{client: rdb, logger: logger.With("subsystem", "leadcache")}, nil
}

// Close releases the redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// Invalidate deletes the cached entries for a lead. Failures are logged
// and swallowed.
func (c *Cache) Invalidate(ctx context.Context, leadID int64) {
	if c == nil {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	keys := []string{
		fmt.Sprintf("lead:%d", leadID),
		fmt.Sprintf("lead:%d:recordings", leadID),
	}
	if err := c.client.Del(opCtx, keys...).Err(); err != nil {
		c.logger.Warn("lead cache invalidation failed", "lead_id", leadID, "error", err)
		return
	}
	c.logger.Debug("lead cache invalidated", "lead_id", leadID)
}
