// Package obslog builds the process-wide slog.Logger, following the
// teacher's convention of a JSON handler to stderr with a level taken
// from config.
package obslog

import (
	"log/slog"
	"os"
)

// Setup builds a JSON logger writing to stderr at level and installs it
// as the slog default, mirroring the teacher's one-liner at startup.
// Stdout is never used for logging: it is reserved entirely for the
// JSON-RPC wire protocol.
func Setup(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}
