package ports

import (
	"context"
	"time"
)

// ByteCache is a TTL cache of opaque values.
type ByteCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
