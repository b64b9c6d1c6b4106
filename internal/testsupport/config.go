// Package testsupport provides shared builders for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"easel/internal/config"
)

// NewConfig produces a config seeded with unique temp directories per test,
// with timing tightened so pipeline tests finish quickly.
func NewConfig(t testing.TB) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Workflow.PollIntervalMS = 20
	cfg.Workflow.WaitTimeoutSeconds = 10
	return &cfg
}
