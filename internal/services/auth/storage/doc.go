// Package storage defines persistence contracts for the token engine.
//
// Partition state (codes, refresh families, jti records) lives behind
// PartitionStore, whose transactions are scoped to a single partition. Shard
// configuration history, audit events and outgoing side-effect signals live
// behind the relational contracts.
package storage
