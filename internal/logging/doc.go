// Package logging constructs slog loggers for Easel and standardizes the
// structured field names used across the pipeline.
//
// Loggers are built from Options (level, format, output paths) or directly
// from application config. Attr helpers mirror the slog constructors so
// call sites stay terse, and NewNop returns a logger that discards
// everything for tests.
package logging
