// Package lineage persists registered generation requests and their result
// versions in SQLite.
//
// Every discovered request gets a lineage id that survives position drift and
// request edits; applied results are recorded as versions under that id. The
// database lives in the configured data directory and is guarded by a file
// lock so only one process writes at a time.
package lineage
