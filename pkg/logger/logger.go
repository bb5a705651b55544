// pkg/logger/logger.go
package logger

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	connIDKey
)

// Config describes how the zap logger is built.
// Level   - "debug" | "info" | "warn" | "error" (default "info").
// DevMode - console output for humans, otherwise sampled JSON.
type Config struct {
	Level   string
	DevMode bool
}

func (c Config) level() (zapcore.Level, error) {
	if c.Level == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return lvl, fmt.Errorf("logger: invalid level %q: %w", c.Level, err)
	}
	return lvl, nil
}

// Logger wraps *zap.Logger together with its adjustable level.
type Logger struct {
	raw   *zap.Logger
	level zap.AtomicLevel
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	lvl, err := cfg.level()
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.DevMode {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
		zc.EncoderConfig.StacktraceKey = "stacktrace"
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.CallerKey = "caller"
	zc.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	zl, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("logger: build zap: %w", err)
	}
	return &Logger{raw: zl, level: zc.Level}, nil
}

// NewNop discards everything.
func NewNop() *Logger { return FromZap(zap.NewNop()) }

// FromZap wraps an existing zap logger, e.g. an observer core in tests.
func FromZap(zl *zap.Logger) *Logger {
	return &Logger{raw: zl, level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

func (l *Logger) derive(zl *zap.Logger) *Logger { return &Logger{raw: zl, level: l.level} }

// Named returns a sub-logger with the given name segment.
func (l *Logger) Named(name string) *Logger { return l.derive(l.raw.Named(name)) }

// With returns a child logger carrying fields.
func (l *Logger) With(fields ...zap.Field) *Logger { return l.derive(l.raw.With(fields...)) }

// WithContext adds trace_id, request_id and conn_id when ctx carries them.
// trace_id comes from the active OpenTelemetry span.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		fields = append(fields, zap.String("request_id", v))
	}
	if v, ok := ctx.Value(connIDKey).(string); ok {
		fields = append(fields, zap.String("conn_id", v))
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// LevelHandler reports the level on GET and changes it on PUT with a body
// such as {"level":"debug"}. Children share the level with their parent.
func (l *Logger) LevelHandler() http.Handler { return l.level }

// Sync flushes buffered entries; errors are ignored.
func (l *Logger) Sync() { _ = l.raw.Sync() }

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.raw.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.raw.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.raw.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.raw.Error(msg, fields...) }

// ContextWithRequestID returns a copy of ctx carrying an HTTP request id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// ContextWithConnID returns a copy of ctx carrying a websocket connection id.
func ContextWithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}
