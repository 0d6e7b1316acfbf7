// Package sqlite provides the SQLite-backed relational store of the token
// engine: shard configuration history, audit events and the signal outbox.
//
// It is the default backend; storage/postgres serves the same contracts for
// multi-node deployments.
package sqlite
