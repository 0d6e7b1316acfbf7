package generation

import (
	"fmt"

	apperrors "github.com/sgrastar/authrim-sub003/internal/platform/errors"
)

// NotFoundGeneration builds the error for a generation absent from a scope.
func NotFoundGeneration(scope string, generation uint64) error {
	return apperrors.WithMetadata(
		apperrors.CodeGenerationNotFound,
		fmt.Sprintf("generation %d not found for scope %s", generation, scope),
		map[string]string{"scope": scope, "generation": fmt.Sprint(generation)},
	)
}

// ResolveActorKey returns the partition that owned entityID at generation.
func ResolveActorKey(cfg ShardConfig, entityID string, generation uint64) (string, error) {
	entry, ok := cfg.Lookup(generation)
	if !ok {
		return "", NotFoundGeneration(cfg.Scope, generation)
	}
	index := ComputeShardIndex(entityID, entry.ShardCount)
	return PartitionName(cfg.Scope, generation, index), nil
}

// ResolveEntry returns the partition named by an entry and an embedded shard
// index, rejecting indexes the entry could never have produced.
func ResolveEntry(scope string, entry GenerationEntry, shardIndex uint32) (string, error) {
	if shardIndex >= entry.ShardCount {
		return "", apperrors.WithMetadata(
			apperrors.CodeInvalidGrant,
			fmt.Sprintf("shard %d out of range for generation %d of %s", shardIndex, entry.Generation, scope),
			map[string]string{"scope": scope},
		)
	}
	return PartitionName(scope, entry.Generation, shardIndex), nil
}
