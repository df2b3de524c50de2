package price

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Cached serves rates from Redis for ttl and falls back to the wrapped oracle on
// a miss or any Redis error.
type Cached struct {
	next   Oracle
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	lookups *prometheus.CounterVec
}

func NewCached(next Oracle, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Cached {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Cached{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

// WithLookups counts lookups by source label: cache, feed or error.
func (c *Cached) WithLookups(v *prometheus.CounterVec) *Cached {
	c.lookups = v
	return c
}

func (c *Cached) observe(source string) {
	if c.lookups != nil {
		c.lookups.WithLabelValues(source).Inc()
	}
}

func CacheKey(pair Pair) string {
	return fmt.Sprintf("price:v1:%s:%s", pair.Base, pair.Quote)
}

func (c *Cached) Rate(ctx context.Context, pair Pair) (decimal.Decimal, error) {
	key := CacheKey(pair)

	s, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		if r, perr := decimal.NewFromString(s); perr == nil {
			c.observe("cache")
			return r, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("price cache read failed", zap.String("key", key), zap.Error(err))
	}

	r, err := c.next.Rate(ctx, pair)
	if err != nil {
		c.observe("error")
		return decimal.Zero, err
	}
	c.observe("feed")

	if err := c.rdb.Set(ctx, key, r.String(), c.ttl).Err(); err != nil {
		c.logger.Warn("price cache write failed", zap.String("key", key), zap.Error(err))
	}
	return r, nil
}
