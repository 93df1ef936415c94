package voxgi

import (
	"log/slog"

	"github.com/gogpu/voxgi/internal/logx"
)

// SetLogger configures the logger for voxgi and all its sub-packages.
// By default, voxgi produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by voxgi:
//   - [slog.LevelDebug]: per-frame diagnostics (instance counts, scratch size)
//   - [slog.LevelInfo]: lifecycle events (devices opened, cascades created)
//   - [slog.LevelWarn]: rejected input layouts, non-shareable resources
//   - [slog.LevelError]: failures that disable the subsystem, tagged critical=true
//
// Example:
//
//	// Enable debug-level logging for full diagnostics:
//	voxgi.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logx.Set(l)
}

// Logger returns the current logger used by voxgi.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logx.L()
}
