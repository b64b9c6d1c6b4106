// Package monitor polls an evolving text source and feeds newly discovered
// markers into the work queue.
//
// Discovery registers zero-task progress tracking up front so the resource is
// observable before any marker exists, then performs one synchronous poll
// before the ticker starts so discovery precedes any generation race. Each
// poll diffs the fetched text against the last one, filters markers whose
// content is already queued (positions drift, content does not), registers
// the rest with the lineage tracker, and wakes the processor.
//
// Fetch failures are logged and retried on the next tick, never fatal.
package monitor
