package generation

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/sgrastar/authrim-sub003/internal/platform/errors"
)

// Well-known sharded scopes.
const (
	ScopeAuthCode = "authcode"
	ScopeRefresh  = "refresh"
)

// DefaultHistoryLimit is how many superseded generations a snapshot keeps.
const DefaultHistoryLimit = 5

// MaxShardCount bounds a single generation's partition count.
const MaxShardCount = 4096

// GenerationEntry is one generation of a scope's shard layout.
type GenerationEntry struct {
	Generation   uint64    `json:"generation" yaml:"generation"`
	ShardCount   uint32    `json:"shard_count" yaml:"shard_count"`
	DeprecatedAt time.Time `json:"deprecated_at,omitzero" yaml:"deprecated_at,omitempty"`
}

// ShardConfig is an immutable snapshot of one scope's shard configuration.
// Treat values as read-only; Advance returns a new snapshot.
type ShardConfig struct {
	Scope               string            `json:"scope"`
	CurrentGeneration   uint64            `json:"current_generation"`
	CurrentShardCount   uint32            `json:"current_shard_count"`
	PreviousGenerations []GenerationEntry `json:"previous_generations,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
	UpdatedBy           string            `json:"updated_by,omitempty"`
}

// Initial builds the generation-0 configuration of a scope.
func Initial(scope string, shardCount uint32, actor string, now time.Time) ShardConfig {
	return ShardConfig{
		Scope:             scope,
		CurrentGeneration: 0,
		CurrentShardCount: shardCount,
		UpdatedAt:         now.UTC(),
		UpdatedBy:         actor,
	}
}

// Current returns the active generation entry.
func (c ShardConfig) Current() GenerationEntry {
	return GenerationEntry{Generation: c.CurrentGeneration, ShardCount: c.CurrentShardCount}
}

// Lookup finds the entry that was active at generation.
func (c ShardConfig) Lookup(generation uint64) (GenerationEntry, bool) {
	if generation == c.CurrentGeneration {
		return c.Current(), true
	}
	for _, entry := range c.PreviousGenerations {
		if entry.Generation == generation {
			return entry, true
		}
	}
	return GenerationEntry{}, false
}

// Generations lists the current generation followed by history, newest first.
func (c ShardConfig) Generations() []GenerationEntry {
	out := make([]GenerationEntry, 0, len(c.PreviousGenerations)+1)
	out = append(out, c.Current())
	out = append(out, c.PreviousGenerations...)
	return out
}

// Advance appends a new generation with shardCount and moves the current
// entry into history, dropping the oldest entries beyond historyLimit.
func (c ShardConfig) Advance(shardCount uint32, actor string, now time.Time, historyLimit int) ShardConfig {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	now = now.UTC()
	prior := c.Current()
	prior.DeprecatedAt = now

	history := make([]GenerationEntry, 0, historyLimit)
	history = append(history, prior)
	for _, entry := range c.PreviousGenerations {
		if len(history) >= historyLimit {
			break
		}
		history = append(history, entry)
	}

	return ShardConfig{
		Scope:               c.Scope,
		CurrentGeneration:   c.CurrentGeneration + 1,
		CurrentShardCount:   shardCount,
		PreviousGenerations: history,
		UpdatedAt:           now,
		UpdatedBy:           actor,
	}
}

// Validate checks structural invariants of a snapshot.
func (c ShardConfig) Validate() error {
	if strings.TrimSpace(c.Scope) == "" {
		return fmt.Errorf("shard config scope is required")
	}
	if err := ValidateShardCount(c.CurrentShardCount); err != nil {
		return err
	}
	last := c.CurrentGeneration
	for _, entry := range c.PreviousGenerations {
		if entry.Generation >= last {
			return fmt.Errorf("shard config history for %s is not strictly descending at generation %d", c.Scope, entry.Generation)
		}
		if err := ValidateShardCount(entry.ShardCount); err != nil {
			return err
		}
		last = entry.Generation
	}
	return nil
}

// ValidateScope accepts only the scopes an engine shards.
func ValidateScope(scope string) error {
	switch scope {
	case ScopeAuthCode, ScopeRefresh:
		return nil
	default:
		return apperrors.New(apperrors.CodeInvalidRequest, "unknown shard scope "+strings.TrimSpace(scope))
	}
}

// ValidateShardCount rejects zero and absurd partition counts.
func ValidateShardCount(count uint32) error {
	if count == 0 || count > MaxShardCount {
		return apperrors.New(apperrors.CodeInvalidRequest, fmt.Sprintf("shard count must be between 1 and %d", MaxShardCount))
	}
	return nil
}
