package gpusync

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Option configures a Context.
type Option func(*options)

type options struct {
	label          string
	logger         *slog.Logger
	waitTimeout    time.Duration
	allocatorGuard bool
}

func defaultOptions() options {
	return options{label: "gpusync"}
}

// WithLabel sets the label used in log records.
func WithLabel(label string) Option {
	return func(o *options) {
		o.label = label
	}
}

var pkgLogger atomic.Pointer[slog.Logger]

func init() { SetLogger(nil) }

// SetLogger sets the package logger followed by every Context created
// without WithLogger. Nil, the default, discards all records. Safe for
// concurrent use.
//
// Levels: Debug for barriers, copies, submissions and fence values; Info
// for contexts opened and closed; Warn for discarded sessions and
// resources still live at Close; Error for fence and device failures.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	pkgLogger.Store(l)
}

// Logger returns the package logger.
func Logger() *slog.Logger { return pkgLogger.Load() }

// WithLogger sets a logger for the Context instead of the package logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithWaitTimeout bounds every fence wait. Zero (the default) waits until
// the context passed to the wait is done.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		o.waitTimeout = d
	}
}

// WithAllocatorGuard makes Session.Begin fail with ErrResourceBusy instead
// of resetting an allocator or session whose previous work may still be
// executing.
func WithAllocatorGuard(on bool) Option {
	return func(o *options) {
		o.allocatorGuard = on
	}
}
