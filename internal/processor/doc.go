// Package processor pulls queued generation requests and executes them under
// a bounded concurrency limit.
//
// A fixed pool of slots caps in-flight generations per resource. Every pull
// claims the oldest queued item, every completion frees a slot and re-kicks
// the pull loop. Generation failure is never fatal: a nil result or an error
// becomes a FAILED item carrying a unique placeholder, and the progress
// aggregator counts it as complete so one broken request cannot stall the
// batch.
//
// Outcomes are buffered as deferred results and applied in one batch by the
// session coordinator, never written out here.
package processor
