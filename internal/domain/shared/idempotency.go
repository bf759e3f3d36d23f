package shared

import (
	"context"
	"time"
)

// IdempotencyStore tracks operations that must run at most once.
// MarkProcessed returns true when the key was newly recorded, false when the
// operation was already seen within the TTL window.
type IdempotencyStore interface {
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IsProcessed(ctx context.Context, key string) (bool, error)
}
