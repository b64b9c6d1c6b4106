// Package progress accumulates per-resource completion counts and publishes
// the pipeline's observable events.
//
// Tracking for a resource begins on the first RegisterTask call. Registering
// with an increment of zero starts tracking without announcing it, which
// avoids surfacing an indicator for a resource that may end up with no work;
// the "started" event is then promoted from the first total transition above
// zero, wherever it comes from.
//
// "All current tasks complete" means exactly that: work known so far is
// finished. More tasks may still be registered afterwards. Clear is the
// explicit operation boundary and fires "cleared".
package progress
