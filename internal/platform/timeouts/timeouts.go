// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between the token engine, its
// stores and the process entry points.
package timeouts

import "time"

// ActorCall caps how long a caller waits for a partition actor to finish one
// logical operation. The operation itself is never cancelled once started.
const ActorCall = 5 * time.Second

// StoreRequest caps a single round trip to the relational audit store.
const StoreRequest = 3 * time.Second

// CacheRequest caps a single round trip to the distributed config cache.
const CacheRequest = 500 * time.Millisecond

// Sign caps a call into the signing service.
const Sign = 2 * time.Second

// RetryBackoff is the pause before the single internal retry of a transient
// store failure.
const RetryBackoff = 50 * time.Millisecond

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during graceful
// shutdown.
const Shutdown = 5 * time.Second
