// Package logutil - slog-Logger mit TRACE-Level und anfragebezogenen Attributen.
//
// MODUL: logutil
// ZWECK: Text-Logger fuer Server und CLI, Logger im Context (z.B. mit request_id)
// INPUT: io.Writer, slog.Level, context.Context
// OUTPUT: *slog.Logger
// NEBENEFFEKTE: Setup ersetzt den Default-Logger
// ABHAENGIGKEITEN: log/slog (stdlib)
// HINWEISE: TRACE wird fuer tokenweise Generierungs-Logs verwendet (CAPTION_DEBUG=2).
//           TraceContext und FromContext nutzen den Logger aus dem Context, damit
//           Decoder-Schritte die request_id der Anfrage tragen.
package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

// LevelTrace liegt unter Debug und ist ueber CAPTION_DEBUG=2 aktivierbar.
const LevelTrace slog.Level = -8

// NewLogger erstellt einen Text-Logger. Quellen werden auf den Dateinamen gekuerzt,
// Dauern als String ("1.5s") statt als Nanosekunden ausgegeben.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		AddSource:   true,
		ReplaceAttr: replaceAttr,
	}))
}

// Setup erstellt den Logger und setzt ihn als slog-Default.
func Setup(w io.Writer, level slog.Level) *slog.Logger {
	logger := NewLogger(w, level)
	slog.SetDefault(logger)
	return logger
}

func replaceAttr(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.LevelKey:
		if level, ok := attr.Value.Any().(slog.Level); ok && level == LevelTrace {
			attr.Value = slog.StringValue("TRACE")
		}
		return attr
	case slog.SourceKey:
		if source, ok := attr.Value.Any().(*slog.Source); ok {
			source.File = filepath.Base(source.File)
		}
		return attr
	}

	if attr.Value.Kind() == slog.KindDuration {
		attr.Value = slog.StringValue(attr.Value.Duration().Round(time.Microsecond).String())
	}
	return attr
}

// ============================================================================
// Context-Logger
// ============================================================================

type key string

const loggerKey key = "logger"

// WithAttrs haengt Attribute an den Logger des Contexts (oder den Default-Logger).
func WithAttrs(ctx context.Context, args ...any) context.Context {
	return context.WithValue(ctx, loggerKey, FromContext(ctx).With(args...))
}

// FromContext gibt den Logger des Contexts zurueck, sonst slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
			return logger
		}
	}
	return slog.Default()
}

// ============================================================================
// TRACE
// ============================================================================

// Trace loggt auf LevelTrace mit dem Default-Logger.
func Trace(msg string, args ...any) {
	TraceContext(context.WithValue(context.TODO(), key("skip"), 1), msg, args...)
}

// TraceContext loggt auf LevelTrace mit dem Logger des Contexts und meldet den Aufrufer als Quelle.
func TraceContext(ctx context.Context, msg string, args ...any) {
	logger := FromContext(ctx)
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}
	skip, _ := ctx.Value(key("skip")).(int)
	pc, _, _, _ := runtime.Caller(1 + skip)
	record := slog.NewRecord(time.Now(), LevelTrace, msg, pc)
	record.Add(args...)
	_ = logger.Handler().Handle(ctx, record)
}
