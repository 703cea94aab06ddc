// Package redis provides a Redis-backed ledger.StockCache.
//
// Entries are keyed by product and latest movement id:
//
//	stock:{product_id}:{movement_id}
//
// A new movement changes the id, so an entry is never invalidated, only
// orphaned; the TTL reclaims orphans.
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/stock-engine/ledger"
)

const (
	stockKeyPrefix  = "stock:"
	DefaultStockTTL = 10 * time.Minute
)

type StockCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStockCache uses DefaultStockTTL when ttl is not positive.
func NewStockCache(client *redis.Client, ttl time.Duration) *StockCache {
	if ttl <= 0 {
		ttl = DefaultStockTTL
	}
	return &StockCache{client: client, ttl: ttl}
}

func stockKey(productID ledger.ProductID, version ledger.MovementID) string {
	return stockKeyPrefix + string(productID) + ":" + strconv.FormatInt(int64(version), 10)
}

func (c *StockCache) GetStock(ctx context.Context, productID ledger.ProductID, version ledger.MovementID) (int64, bool, error) {
	stock, err := c.client.Get(ctx, stockKey(productID, version)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return stock, true, nil
}

func (c *StockCache) SetStock(ctx context.Context, productID ledger.ProductID, version ledger.MovementID, stock int64) error {
	return c.client.Set(ctx, stockKey(productID, version), stock, c.ttl).Err()
}

// Ping reports whether Redis is reachable.
func (c *StockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
