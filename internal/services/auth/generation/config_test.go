package generation

import (
	"testing"
	"time"

	apperrors "github.com/sgrastar/authrim-sub003/internal/platform/errors"
)

func TestAdvanceKeepsPriorGenerationsResolvable(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cfg := Initial(ScopeRefresh, 8, "seed", now)
	next := cfg.Advance(16, "ops", now.Add(time.Minute), 5)

	if next.CurrentGeneration != 1 || next.CurrentShardCount != 16 {
		t.Fatalf("unexpected current: %+v", next.Current())
	}
	prior, ok := next.Lookup(0)
	if !ok || prior.ShardCount != 8 {
		t.Fatalf("generation 0 lookup = %+v, %v", prior, ok)
	}
	if !prior.DeprecatedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("deprecated_at = %v", prior.DeprecatedAt)
	}
	if cfg.CurrentGeneration != 0 || len(cfg.PreviousGenerations) != 0 {
		t.Fatalf("advance mutated original snapshot: %+v", cfg)
	}
	if err := next.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestReconfigurationNeverMovesExistingEntities(t *testing.T) {
	now := time.Now()
	cfg := Initial(ScopeRefresh, 8, "seed", now)
	before := make(map[string]string)
	for _, key := range []string{"a", "b", "c", "d", "e", "f"} {
		name, err := ResolveActorKey(cfg, key, 0)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		before[key] = name
	}

	cfg = cfg.Advance(16, "ops", now, 5)
	cfg = cfg.Advance(3, "ops", now, 5)

	for key, want := range before {
		got, err := ResolveActorKey(cfg, key, 0)
		if err != nil {
			t.Fatalf("resolve after reconfig: %v", err)
		}
		if got != want {
			t.Fatalf("entity %q moved from %s to %s", key, want, got)
		}
	}
}

func TestAdvanceBoundsHistory(t *testing.T) {
	cfg := Initial(ScopeRefresh, 4, "seed", time.Now())
	for i := 0; i < 10; i++ {
		cfg = cfg.Advance(uint32(i+2), "ops", time.Now(), 3)
	}
	if cfg.CurrentGeneration != 10 {
		t.Fatalf("current generation = %d", cfg.CurrentGeneration)
	}
	if len(cfg.PreviousGenerations) != 3 {
		t.Fatalf("history len = %d", len(cfg.PreviousGenerations))
	}
	if cfg.PreviousGenerations[0].Generation != 9 || cfg.PreviousGenerations[2].Generation != 7 {
		t.Fatalf("history order = %+v", cfg.PreviousGenerations)
	}
	if _, ok := cfg.Lookup(2); ok {
		t.Fatal("expected evicted generation to be missing")
	}
	_, err := ResolveActorKey(cfg, "x", 2)
	if !apperrors.HasCode(err, apperrors.CodeGenerationNotFound) {
		t.Fatalf("expected generation not found, got %v", err)
	}
}

func TestValidateRejectsBadSnapshots(t *testing.T) {
	tests := []struct {
		name string
		cfg  ShardConfig
	}{
		{name: "missing scope", cfg: ShardConfig{CurrentShardCount: 1}},
		{name: "zero shards", cfg: ShardConfig{Scope: "s"}},
		{name: "too many shards", cfg: ShardConfig{Scope: "s", CurrentShardCount: MaxShardCount + 1}},
		{name: "history not descending", cfg: ShardConfig{
			Scope:               "s",
			CurrentGeneration:   2,
			CurrentShardCount:   1,
			PreviousGenerations: []GenerationEntry{{Generation: 0, ShardCount: 1}, {Generation: 1, ShardCount: 1}},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestResolveEntryRejectsOutOfRangeShard(t *testing.T) {
	entry := GenerationEntry{Generation: 1, ShardCount: 4}
	if _, err := ResolveEntry(ScopeRefresh, entry, 4); !apperrors.HasCode(err, apperrors.CodeInvalidGrant) {
		t.Fatalf("expected invalid grant, got %v", err)
	}
	name, err := ResolveEntry(ScopeRefresh, entry, 3)
	if err != nil || name != "refresh:g1:s3" {
		t.Fatalf("ResolveEntry = %q, %v", name, err)
	}
}
