package main

import (
	"context"
	"log/slog"
	"strings"

	log "github.com/sirupsen/logrus"
)

// logrusHandler is a slog.Handler writing to a logrus logger.
type logrusHandler struct {
	entry  *log.Entry
	prefix string
}

func newSlogLogger(l *log.Logger) *slog.Logger {
	return slog.New(&logrusHandler{entry: log.NewEntry(l)})
}

func logrusLevel(l slog.Level) log.Level {
	switch {
	case l >= slog.LevelError:
		return log.ErrorLevel
	case l >= slog.LevelWarn:
		return log.WarnLevel
	case l >= slog.LevelInfo:
		return log.InfoLevel
	case l >= slog.LevelDebug:
		return log.DebugLevel
	default:
		return log.TraceLevel
	}
}

func (h *logrusHandler) Enabled(_ context.Context, l slog.Level) bool {
	return h.entry.Logger.IsLevelEnabled(logrusLevel(l))
}

func (h *logrusHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(log.Fields, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		h.add(fields, h.prefix, a)
		return true
	})
	h.entry.WithFields(fields).Log(logrusLevel(r.Level), strings.TrimPrefix(r.Message, "gpusync: "))
	return nil
}

func (h *logrusHandler) add(fields log.Fields, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			h.add(fields, prefix+a.Key+".", ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	if err, ok := v.Any().(error); ok {
		fields[prefix+a.Key] = err.Error()
		return
	}
	fields[prefix+a.Key] = v.Any()
}

func (h *logrusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := make(log.Fields, len(attrs))
	for _, a := range attrs {
		h.add(fields, h.prefix, a)
	}
	return &logrusHandler{entry: h.entry.WithFields(fields), prefix: h.prefix}
}

func (h *logrusHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &logrusHandler{entry: h.entry, prefix: h.prefix + name + "."}
}
