package generation

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ComputeShardIndex deterministically maps key onto [0, shardCount) using
// xxhash64. The hash is part of the routing contract: changing it would move
// every entity of every existing generation.
func ComputeShardIndex(key string, shardCount uint32) uint32 {
	if shardCount == 0 {
		return 0
	}
	return uint32(xxhash.Sum64String(key) % uint64(shardCount))
}

// RemapShardIndex folds an index from an older configuration into
// [0, newShardCount). It is only used for short-lived authorization codes.
func RemapShardIndex(oldIndex, newShardCount uint32) uint32 {
	if newShardCount == 0 {
		return 0
	}
	return oldIndex % newShardCount
}

// PartitionName names the partition for a generation-tagged scope.
func PartitionName(scope string, generation uint64, shardIndex uint32) string {
	return fmt.Sprintf("%s:g%d:s%d", scope, generation, shardIndex)
}

// FlatPartitionName names a partition of a scope whose partitions do not
// depend on the generation.
func FlatPartitionName(scope string, shardIndex uint32) string {
	return fmt.Sprintf("%s:s%d", scope, shardIndex)
}
