package logging

import "context"

type ctxKey struct{}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger carried by ctx, or fallback when ctx has
// none. A nil fallback yields a discarding logger.
func FromContext(ctx context.Context, fallback *Logger) *Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(ctxKey{}).(*Logger); ok && logger != nil {
			return logger
		}
	}
	if fallback != nil {
		return fallback
	}
	return Discard()
}

// Annotate derives a logger with args from the one in ctx (or fallback)
// and returns both the new logger and a ctx carrying it.
func Annotate(ctx context.Context, fallback *Logger, args ...any) (context.Context, *Logger) {
	logger := &Logger{Logger: FromContext(ctx, fallback).With(args...)}
	return WithLogger(ctx, logger), logger
}
