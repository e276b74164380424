package expofuse

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler discards every record.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger used by the processor and handed to the
// fusion engine it creates. By default nothing is logged; pass nil to
// restore the silent default.
//
// Log levels:
//   - [slog.LevelDebug]: kernel compilation, device allocations, decoded inputs
//   - [slog.LevelInfo]: job timings and the selected device
//   - [slog.LevelWarn]: compiler output of failed builds, CPU fallback
//   - [slog.LevelError]: failed jobs
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
