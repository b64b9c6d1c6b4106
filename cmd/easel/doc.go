// Package main hosts the Easel CLI entrypoint and command graph.
//
// The Cobra-based command tree turns terminal invocations into coordinator
// sessions: one-shot batch generation over a document, live watching of a
// document as it is written, lineage history queries, and configuration
// scaffolding. It centralizes configuration resolution and structured logging
// setup so subcommands can focus on user experience instead of wiring.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
