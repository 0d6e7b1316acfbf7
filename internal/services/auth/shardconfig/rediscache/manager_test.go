package rediscache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/generation"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/shardconfig"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage/sqlite"
)

// Two managers share one Redis and one store, as two engine nodes would.
func TestManagersShareDistributedTier(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	cache := New(client, "")
	nodeA := shardconfig.NewManager(store, cache, shardconfig.Options{DefaultShardCount: 8})
	nodeB := shardconfig.NewManager(store, cache, shardconfig.Options{DefaultShardCount: 8, LocalTTL: time.Nanosecond})

	cfg, err := nodeA.Get(ctx, generation.ScopeRefresh)
	if err != nil {
		t.Fatalf("node A get: %v", err)
	}
	if cfg.CurrentShardCount != 8 {
		t.Fatalf("seeded count = %d", cfg.CurrentShardCount)
	}
	if !server.Exists(DefaultPrefix + generation.ScopeRefresh) {
		t.Fatal("expected snapshot in redis after fill")
	}

	if _, err := nodeA.SetShardCount(ctx, generation.ScopeRefresh, 16, "ops", "scale out"); err != nil {
		t.Fatalf("set shard count: %v", err)
	}
	if server.Exists(DefaultPrefix + generation.ScopeRefresh) {
		t.Fatal("expected redis entry invalidated")
	}

	got, err := nodeB.Get(ctx, generation.ScopeRefresh)
	if err != nil {
		t.Fatalf("node B get: %v", err)
	}
	if got.CurrentGeneration != 1 || got.CurrentShardCount != 16 {
		t.Fatalf("node B sees %+v", got.Current())
	}
}
