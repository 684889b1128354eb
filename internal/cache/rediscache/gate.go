package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Gate rate-limits keyed work: INCR + EXPIRE in one pipeline, allowed while
// the counter stays under the limit. The ETA recalculation path uses it with
// limit=1 to enforce the per-route minimum interval.
type Gate struct {
	c *redis.Client
}

func NewGate(addr string) *Gate {
	return &Gate{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Allow returns (allowed, currentCount).
func (g *Gate) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	pipe := g.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis gate")
	}
	n := incr.Val()
	return n <= limit, n, nil
}
