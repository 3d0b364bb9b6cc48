package logger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// L is the global logger instance.
	// It is a no-op logger until Init is called, so library code can log unconditionally.
	L = zap.NewNop()

	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// parseLevel maps a config level string onto a zap level
func parseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Init initializes the global logger
func Init(lvl string) error {
	zapLevel, err := parseLevel(lvl)
	if err != nil {
		return err
	}
	level.SetLevel(zapLevel)

	config := zap.NewProductionConfig()
	config.Level = level
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := config.Build()
	if err != nil {
		return err
	}
	L = l
	return nil
}

// SetLevel changes the level of the logger built by Init without rebuilding it
func SetLevel(lvl string) error {
	zapLevel, err := parseLevel(lvl)
	if err != nil {
		return err
	}
	level.SetLevel(zapLevel)
	return nil
}

// Level returns the current level as a string
func Level() string {
	return level.Level().String()
}

// Sync flushes any buffered log entries
func Sync() {
	if L != nil {
		_ = L.Sync()
	}
}

// WithTrace extracts trace context from context.Context and adds trace_id and span_id fields
func WithTrace(ctx context.Context, fields ...zap.Field) []zap.Field {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		fields = append(fields,
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("span_id", span.SpanContext().SpanID().String()),
		)
	}
	return fields
}

// InfoWithTrace logs at Info level with trace context
func InfoWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	L.Info(msg, WithTrace(ctx, fields...)...)
}

// ErrorWithTrace logs at Error level with trace context
func ErrorWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	L.Error(msg, WithTrace(ctx, fields...)...)
}

// WarnWithTrace logs at Warn level with trace context
func WarnWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	L.Warn(msg, WithTrace(ctx, fields...)...)
}

// DebugWithTrace logs at Debug level with trace context
func DebugWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	L.Debug(msg, WithTrace(ctx, fields...)...)
}
