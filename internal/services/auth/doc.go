// Package auth is the token lifecycle engine of the identity provider.
//
// It owns one-time authorization codes and rotating refresh token families,
// each kept by a single-writer partition actor, and the generation based
// sharding that lets partition counts change without invalidating tokens
// already in circulation.
//
// Subpackages:
//   - generation: token id format, shard routing and shard config snapshots
//   - partition: per-partition serial execution
//   - authcode: authorization code actor and PKCE checks
//   - refresh: refresh token family actor, theft detection and revocation
//   - shardconfig: shard config manager and its cache tiers
//   - tokens: engine facade with timeouts, spans and error mapping
//   - signing: refresh token signer
//   - signals: outbox relay for side-effect signals
//   - storage: persistence contracts with bbolt, SQLite and Postgres backends
//   - app: process wiring and lifecycle
package auth
