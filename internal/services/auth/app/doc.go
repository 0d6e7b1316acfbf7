// Package server composes and runs the auth token engine process.
//
// It opens the partition state store and the relational audit store, builds
// the shard config manager, both actors and the engine facade, and keeps the
// cleanup loop and the signal relay running next to a gRPC health endpoint.
package server
