// Package generation parses and builds routable token identifiers and maps
// entities onto partitions of a versioned shard configuration.
//
// Every function here is pure. A shard configuration is an immutable snapshot;
// reconfiguration produces a new snapshot with a higher generation and never
// rewrites the entries older tokens were routed with.
package generation
