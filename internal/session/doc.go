// Package session owns at most one active generation pipeline per resource
// key and sequences discovery -> generation -> completion -> batched apply.
//
// The Coordinator inserts a session into its registry under the lock, before
// any setup runs, so racing callers for the same resource always observe one
// session. Finalize seals discovery, drains the queue sequentially, waits for
// the aggregator's completion signal under a bounded timeout, then applies
// all deferred results in one call through a per-resource serial apply queue.
// Cancellation discards accumulated results instead of applying them.
package session
