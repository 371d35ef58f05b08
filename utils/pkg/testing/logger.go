// Package testing provides small helpers shared by test suites.
package testing

import (
	"log/slog"
	"os"
)

// NewLogger returns a logger that only surfaces errors, keeping container
// startup noise out of test output.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
