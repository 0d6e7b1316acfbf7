package shardconfig

import (
	"context"
	"time"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/generation"
)

// Cache is the distributed tier shared by all engine nodes.
type Cache interface {
	// Get reports ok=false on a miss.
	Get(ctx context.Context, scope string) (cfg generation.ShardConfig, ok bool, err error)
	Set(ctx context.Context, cfg generation.ShardConfig, ttl time.Duration) error
	Invalidate(ctx context.Context, scope string) error
}
