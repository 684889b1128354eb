// Package cache defines the byte-level cache contract used for the
// latest-location side channel. The cache is a read optimization only:
// callers must treat it as disposable and fall back to storage.
package cache

import (
	"context"
	"time"
)

type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
