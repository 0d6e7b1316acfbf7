package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/generation"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, ""), server
}

func TestCacheMiss(t *testing.T) {
	cache, _ := newTestCache(t)
	_, ok, err := cache.Get(context.Background(), generation.ScopeRefresh)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestCacheSetGetInvalidate(t *testing.T) {
	cache, server := newTestCache(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	cfg := generation.Initial(generation.ScopeRefresh, 8, "seed", now).Advance(16, "ops", now.Add(time.Hour), 5)

	if err := cache.Set(ctx, cfg, 5*time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ttl := server.TTL(DefaultPrefix + generation.ScopeRefresh); ttl != 5*time.Minute {
		t.Fatalf("ttl = %v, want 5m", ttl)
	}

	got, ok, err := cache.Get(ctx, generation.ScopeRefresh)
	if err != nil || !ok {
		t.Fatalf("get = %v, %v", ok, err)
	}
	if got.CurrentGeneration != 1 || got.CurrentShardCount != 16 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if entry, found := got.Lookup(0); !found || entry.ShardCount != 8 {
		t.Fatalf("history lost: %+v", got.PreviousGenerations)
	}

	if err := cache.Invalidate(ctx, generation.ScopeRefresh); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, generation.ScopeRefresh); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestCacheExpires(t *testing.T) {
	cache, server := newTestCache(t)
	ctx := context.Background()
	cfg := generation.Initial(generation.ScopeAuthCode, 4, "seed", time.Now())
	if err := cache.Set(ctx, cfg, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	server.FastForward(2 * time.Minute)
	if _, ok, _ := cache.Get(ctx, generation.ScopeAuthCode); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestCacheRejectsCorruptValue(t *testing.T) {
	cache, server := newTestCache(t)
	if err := server.Set(DefaultPrefix+"refresh", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := cache.Get(context.Background(), "refresh"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCacheUnavailable(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	defer client.Close()
	cache := New(client, "")
	server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := cache.Get(ctx, "refresh"); err == nil {
		t.Fatal("expected error from closed server")
	}
}
