// Package shardconfig owns per-scope shard configuration and its caches.
//
// Reads go through three tiers: an in-process snapshot with a short TTL, the
// distributed Cache, and the relational store that is the source of truth.
// Snapshots are immutable; a reconfiguration publishes a new one.
package shardconfig

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/sgrastar/authrim-sub003/internal/platform/errors"
	"github.com/sgrastar/authrim-sub003/internal/platform/timeouts"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/generation"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

const (
	DefaultLocalTTL   = 10 * time.Second
	DefaultCacheTTL   = 5 * time.Minute
	DefaultShardCount = 8

	seedActor = "system"

	// generationListSlack covers generations written by other nodes after the
	// local snapshot was taken.
	generationListSlack = 64
)

// Options configures a Manager.
type Options struct {
	LocalTTL          time.Duration
	CacheTTL          time.Duration
	HistoryLimit      int
	DefaultShardCount uint32
	// SeedCounts overrides DefaultShardCount for generation 0 of a scope.
	SeedCounts map[string]uint32
	Clock      func() time.Time
	Logger     *zap.Logger
}

type localEntry struct {
	cfg       *generation.ShardConfig
	expiresAt time.Time
}

type resolvedKey struct {
	scope      string
	generation uint64
}

// Manager serves and changes shard configuration.
type Manager struct {
	store storage.ShardConfigStore
	cache Cache
	opts  Options

	mu    sync.RWMutex
	local map[string]localEntry
	// resolved memoizes generations found only in the store. A generation's
	// shard count never changes once written.
	resolved sync.Map

	group singleflight.Group
}

// NewManager builds a Manager. cache may be nil.
func NewManager(store storage.ShardConfigStore, cache Cache, opts Options) *Manager {
	if opts.LocalTTL <= 0 {
		opts.LocalTTL = DefaultLocalTTL
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = generation.DefaultHistoryLimit
	}
	if opts.DefaultShardCount == 0 {
		opts.DefaultShardCount = DefaultShardCount
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		store: store,
		cache: cache,
		opts:  opts,
		local: make(map[string]localEntry),
	}
}

// Get returns the current snapshot of scope. The returned value is shared and
// must not be modified.
func (m *Manager) Get(ctx context.Context, scope string) (*generation.ShardConfig, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "scope is required")
	}
	if cfg, ok := m.cachedLocal(scope); ok {
		return cfg, nil
	}

	result := m.group.DoChan(scope, func() (any, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.StoreRequest)
		defer cancel()
		return m.fill(fillCtx, scope)
	})
	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*generation.ShardConfig), nil
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "load shard config", ctx.Err())
	}
}

// ResolveGeneration returns the entry of scope active at gen. Generations
// evicted from the snapshot history, or written by another node after the
// local snapshot was taken, are read from the store.
func (m *Manager) ResolveGeneration(ctx context.Context, scope string, gen uint64) (generation.GenerationEntry, error) {
	cfg, err := m.Get(ctx, scope)
	if err != nil {
		return generation.GenerationEntry{}, err
	}
	if entry, ok := cfg.Lookup(gen); ok {
		return entry, nil
	}

	key := resolvedKey{scope: cfg.Scope, generation: gen}
	if cached, ok := m.resolved.Load(key); ok {
		return cached.(generation.GenerationEntry), nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, timeouts.StoreRequest)
	defer cancel()
	record, err := m.store.ShardConfigAt(storeCtx, cfg.Scope, gen)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return generation.GenerationEntry{}, generation.NotFoundGeneration(cfg.Scope, gen)
		}
		return generation.GenerationEntry{}, apperrors.Wrap(apperrors.CodeUnavailable, "load shard generation", err)
	}
	entry := generation.GenerationEntry{Generation: record.Generation, ShardCount: record.ShardCount}
	m.resolved.Store(key, entry)
	return entry, nil
}

// ListGenerations returns every persisted generation of scope, newest first.
// It is not bounded by the snapshot history, so entities left in long-evicted
// generations stay reachable.
func (m *Manager) ListGenerations(ctx context.Context, scope string) ([]generation.GenerationEntry, error) {
	cfg, err := m.Get(ctx, scope)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]struct{}, cfg.CurrentGeneration+1)
	var out []generation.GenerationEntry
	add := func(entry generation.GenerationEntry) {
		if _, ok := seen[entry.Generation]; ok {
			return
		}
		seen[entry.Generation] = struct{}{}
		out = append(out, generation.GenerationEntry{Generation: entry.Generation, ShardCount: entry.ShardCount})
	}
	for _, entry := range cfg.Generations() {
		add(entry)
	}

	if uint64(len(out)) <= cfg.CurrentGeneration {
		storeCtx, cancel := context.WithTimeout(ctx, timeouts.StoreRequest)
		defer cancel()
		records, err := m.store.ListShardConfigChanges(storeCtx, cfg.Scope, int(cfg.CurrentGeneration)+1+generationListSlack)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUnavailable, "list shard generations", err)
		}
		for _, record := range records {
			entry := generation.GenerationEntry{Generation: record.Generation, ShardCount: record.ShardCount}
			m.resolved.Store(resolvedKey{scope: cfg.Scope, generation: record.Generation}, entry)
			add(entry)
		}
	}
	slices.SortFunc(out, func(a, b generation.GenerationEntry) int {
		return cmp.Compare(b.Generation, a.Generation)
	})
	return out, nil
}

// SetShardCount appends a new generation with count shards. Already issued
// tokens keep resolving against their own generation.
func (m *Manager) SetShardCount(ctx context.Context, scope string, count uint32, actor, notes string) (generation.ShardConfig, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return generation.ShardConfig{}, apperrors.New(apperrors.CodeInvalidRequest, "scope is required")
	}
	if err := generation.ValidateShardCount(count); err != nil {
		return generation.ShardConfig{}, err
	}
	actor = strings.TrimSpace(actor)
	notes = strings.TrimSpace(notes)
	if actor == "" {
		return generation.ShardConfig{}, apperrors.New(apperrors.CodeInvalidRequest, "actor is required")
	}

	current, err := m.loadOrSeed(ctx, scope)
	if err != nil {
		return generation.ShardConfig{}, err
	}

	now := m.opts.Clock().UTC()
	next := current.Advance(count, actor, now, m.opts.HistoryLimit)
	record := storage.ShardConfigRecord{
		Scope:      scope,
		Generation: next.CurrentGeneration,
		ShardCount: count,
		Config:     next,
		Actor:      actor,
		Notes:      notes,
		CreatedAt:  now,
	}
	detail := fmt.Sprintf("generation %d: %d -> %d shards", next.CurrentGeneration, current.CurrentShardCount, count)
	if notes != "" {
		detail += " (" + notes + ")"
	}
	event := storage.AuditEvent{
		Kind:      storage.AuditShardConfigChanged,
		Scope:     scope,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: now,
	}
	if err := m.store.InsertShardConfig(ctx, record, event); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return generation.ShardConfig{}, apperrors.Wrap(apperrors.CodeConflict, "shard config changed concurrently", err)
		}
		return generation.ShardConfig{}, apperrors.Wrap(apperrors.CodeUnavailable, "persist shard config", err)
	}

	m.publish(&next)
	m.invalidateCache(ctx, scope)

	m.opts.Logger.Info("shard count changed",
		zap.String("scope", scope),
		zap.Uint64("generation", next.CurrentGeneration),
		zap.Uint32("previous_shard_count", current.CurrentShardCount),
		zap.Uint32("shard_count", count),
		zap.String("actor", actor),
	)
	return next, nil
}

// History lists persisted generations of scope, newest first.
func (m *Manager) History(ctx context.Context, scope string, limit int) ([]storage.ShardConfigRecord, error) {
	return m.store.ListShardConfigChanges(ctx, strings.TrimSpace(scope), limit)
}

// Invalidate drops scope from both cache tiers.
func (m *Manager) Invalidate(ctx context.Context, scope string) {
	m.mu.Lock()
	delete(m.local, scope)
	m.mu.Unlock()
	m.invalidateCache(ctx, scope)
}

func (m *Manager) cachedLocal(scope string) (*generation.ShardConfig, bool) {
	m.mu.RLock()
	entry, ok := m.local[scope]
	m.mu.RUnlock()
	if !ok || !m.opts.Clock().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.cfg, true
}

func (m *Manager) publish(cfg *generation.ShardConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.local[cfg.Scope]; ok && existing.cfg.CurrentGeneration > cfg.CurrentGeneration {
		return
	}
	m.local[cfg.Scope] = localEntry{cfg: cfg, expiresAt: m.opts.Clock().Add(m.opts.LocalTTL)}
}

func (m *Manager) fill(ctx context.Context, scope string) (*generation.ShardConfig, error) {
	if m.cache != nil {
		cacheCtx, cancel := context.WithTimeout(ctx, timeouts.CacheRequest)
		cfg, ok, err := m.cache.Get(cacheCtx, scope)
		cancel()
		switch {
		case err != nil:
			m.opts.Logger.Warn("shard config cache read failed", zap.String("scope", scope), zap.Error(err))
		case ok:
			m.publish(&cfg)
			return &cfg, nil
		}
	}

	cfg, err := m.loadOrSeed(ctx, scope)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		cacheCtx, cancel := context.WithTimeout(ctx, timeouts.CacheRequest)
		if err := m.cache.Set(cacheCtx, cfg, m.opts.CacheTTL); err != nil {
			m.opts.Logger.Warn("shard config cache write failed", zap.String("scope", scope), zap.Error(err))
		}
		cancel()
	}
	m.publish(&cfg)
	return &cfg, nil
}

// loadOrSeed reads the latest generation from the store, persisting
// generation 0 when the scope has never been configured.
func (m *Manager) loadOrSeed(ctx context.Context, scope string) (generation.ShardConfig, error) {
	record, err := m.store.LatestShardConfig(ctx, scope)
	if err == nil {
		return record.Config, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return generation.ShardConfig{}, apperrors.Wrap(apperrors.CodeUnavailable, "load shard config", err)
	}

	count := m.opts.DefaultShardCount
	if seeded, ok := m.opts.SeedCounts[scope]; ok {
		count = seeded
	}
	now := m.opts.Clock().UTC()
	cfg := generation.Initial(scope, count, seedActor, now)
	seed := storage.ShardConfigRecord{
		Scope:      scope,
		Generation: 0,
		ShardCount: count,
		Config:     cfg,
		Actor:      seedActor,
		Notes:      "initial configuration",
		CreatedAt:  now,
	}
	event := storage.AuditEvent{
		Kind:      storage.AuditShardConfigChanged,
		Scope:     scope,
		Actor:     seedActor,
		Detail:    fmt.Sprintf("generation 0: %d shards", count),
		CreatedAt: now,
	}
	err = m.store.InsertShardConfig(ctx, seed, event)
	switch {
	case err == nil:
		m.opts.Logger.Info("shard config seeded", zap.String("scope", scope), zap.Uint32("shard_count", count))
		return cfg, nil
	case errors.Is(err, storage.ErrConflict):
		record, err := m.store.LatestShardConfig(ctx, scope)
		if err != nil {
			return generation.ShardConfig{}, apperrors.Wrap(apperrors.CodeUnavailable, "reload seeded shard config", err)
		}
		return record.Config, nil
	default:
		return generation.ShardConfig{}, apperrors.Wrap(apperrors.CodeUnavailable, "seed shard config", err)
	}
}

func (m *Manager) invalidateCache(ctx context.Context, scope string) {
	if m.cache == nil {
		return
	}
	cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.CacheRequest)
	defer cancel()
	if err := m.cache.Invalidate(cacheCtx, scope); err != nil {
		m.opts.Logger.Warn("shard config cache invalidation failed", zap.String("scope", scope), zap.Error(err))
	}
}
