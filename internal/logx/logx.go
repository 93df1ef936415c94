// Package logx holds the logger shared by the internal packages.
//
// The root voxgi package owns configuration: voxgi.SetLogger stores the
// logger here so that every internal package logs through one handler
// without importing the root package.
package logx

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler silently discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// NewNop creates a logger that discards all output.
func NewNop() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically for thread safety.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(NewNop())
}

// L returns the current logger.
func L() *slog.Logger { return loggerPtr.Load() }

// Set updates the shared logger. Nil restores the silent default.
func Set(l *slog.Logger) {
	if l == nil {
		l = NewNop()
	}
	loggerPtr.Store(l)
}

// Critical logs a failure that disables the subsystem.
// Records carry critical=true so handlers can route them separately.
func Critical(msg string, args ...any) {
	L().Error(msg, append([]any{"critical", true}, args...)...)
}
