package masterdata

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "masterdata"

// CachedDirectory is a read-through Redis cache in front of a Directory.
// Only positive answers are cached so newly created records are visible
// immediately.
type CachedDirectory struct {
	next   Directory
	client redis.UniversalClient
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewCachedDirectory wraps next with a Redis cache.
func NewCachedDirectory(next Directory, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedDirectory{next: next, client: client, ttl: ttl, logger: logger}
}

func (c *CachedDirectory) CompanyExists(ctx context.Context, companyID int64) (bool, error) {
	return c.lookup(ctx, fmt.Sprintf("company:%d", companyID), func(ctx context.Context) (bool, error) {
		return c.next.CompanyExists(ctx, companyID)
	})
}

func (c *CachedDirectory) WarehouseExists(ctx context.Context, companyID, warehouseID int64) (bool, error) {
	return c.lookup(ctx, fmt.Sprintf("warehouse:%d:%d", companyID, warehouseID), func(ctx context.Context) (bool, error) {
		return c.next.WarehouseExists(ctx, companyID, warehouseID)
	})
}

func (c *CachedDirectory) LocationExists(ctx context.Context, companyID, warehouseID, locationID int64) (bool, error) {
	return c.lookup(ctx, fmt.Sprintf("location:%d:%d:%d", companyID, warehouseID, locationID), func(ctx context.Context) (bool, error) {
		return c.next.LocationExists(ctx, companyID, warehouseID, locationID)
	})
}

func (c *CachedDirectory) ItemExists(ctx context.Context, companyID, itemID int64) (bool, error) {
	return c.lookup(ctx, fmt.Sprintf("item:%d:%d", companyID, itemID), func(ctx context.Context) (bool, error) {
		return c.next.ItemExists(ctx, companyID, itemID)
	})
}

// Invalidate drops every cached entry of a company.
func (c *CachedDirectory) Invalidate(ctx context.Context, companyID int64) error {
	patterns := []string{
		fmt.Sprintf("%s:company:%d", cacheKeyPrefix, companyID),
		fmt.Sprintf("%s:warehouse:%d:*", cacheKeyPrefix, companyID),
		fmt.Sprintf("%s:location:%d:*", cacheKeyPrefix, companyID),
		fmt.Sprintf("%s:item:%d:*", cacheKeyPrefix, companyID),
	}
	for _, pattern := range patterns {
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				return err
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (c *CachedDirectory) lookup(ctx context.Context, suffix string, load func(context.Context) (bool, error)) (bool, error) {
	key := cacheKeyPrefix + ":" + suffix
	hit, err := c.client.Exists(ctx, key).Result()
	if err == nil && hit > 0 {
		return true, nil
	}
	if err != nil {
		c.logger.Warn("masterdata cache read", slog.String("key", key), slog.Any("error", err))
	}

	ch := c.group.DoChan(key, func() (any, error) {
		ok, err := load(context.WithoutCancel(ctx))
		if err != nil || !ok {
			return ok, err
		}
		if err := c.client.Set(context.WithoutCancel(ctx), key, 1, c.ttl).Err(); err != nil {
			c.logger.Warn("masterdata cache write", slog.String("key", key), slog.Any("error", err))
		}
		return true, nil
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}
