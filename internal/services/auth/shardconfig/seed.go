package shardconfig

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/generation"
)

// seedFile is the on-disk layout of a shard seed:
//
//	scopes:
//	  refresh:
//	    shard_count: 16
type seedFile struct {
	Scopes map[string]seedScope `yaml:"scopes"`
}

type seedScope struct {
	ShardCount uint32 `yaml:"shard_count"`
}

// LoadSeed reads initial shard counts per scope from a YAML file.
func LoadSeed(path string) (map[string]uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shard seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a YAML shard seed.
func ParseSeed(data []byte) (map[string]uint32, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode shard seed: %w", err)
	}
	counts := make(map[string]uint32, len(file.Scopes))
	for scope, entry := range file.Scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			return nil, fmt.Errorf("shard seed has an empty scope name")
		}
		if err := generation.ValidateShardCount(entry.ShardCount); err != nil {
			return nil, fmt.Errorf("shard seed scope %s: %w", scope, err)
		}
		counts[scope] = entry.ShardCount
	}
	return counts, nil
}
