// Package queue holds discovered generation requests and drives their
// lifecycle.
//
// A Queue belongs to exactly one generation session and lives only as long as
// that session, so items are kept in memory. Item ids derive from the
// NFC-normalized content plus the position range, which makes resubmission of
// the same marker naturally idempotent while letting identical content at
// different positions coexist.
//
// Items move QUEUED -> GENERATING -> COMPLETED|FAILED and never return to
// QUEUED. Treat this package as the single source of truth for those
// semantics.
package queue
