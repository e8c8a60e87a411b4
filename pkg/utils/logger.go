// Package utils provides shared infrastructure: structured logging with
// rotation and the zap field helpers used across the node.
package utils

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Context keys propagated into log entries when present.
type contextKey string

const (
	ContextKeyNodeID    contextKey = "node_id"
	ContextKeyComponent contextKey = "component"
	ContextKeyView      contextKey = "view"
)

// Logger configuration defaults.
const (
	DefaultLogLevel    = "info"
	DefaultLogFileSize = 100 // MB
	DefaultMaxBackups  = 10
	DefaultMaxAge      = 30 // days
)

// LogConfig holds logger configuration.
type LogConfig struct {
	Level       string
	Development bool

	OutputPath string

	EnableRotation bool
	MaxSize        int // megabytes
	MaxBackups     int
	MaxAge         int // days
	Compress       bool

	NodeID    string
	Component string
}

// DefaultLogConfig returns production defaults writing to stdout.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:      DefaultLogLevel,
		MaxSize:    DefaultLogFileSize,
		MaxBackups: DefaultMaxBackups,
		MaxAge:     DefaultMaxAge,
		Compress:   true,
	}
}

// Logger wraps zap with context-aware helpers.
type Logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
}

// NewLogger creates a structured logger. When OutputPath is set and rotation
// is enabled, log files are rotated via lumberjack.
func NewLogger(config *LogConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if config.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}

	var sink zapcore.WriteSyncer
	switch {
	case config.OutputPath == "" || config.OutputPath == "stdout":
		sink = zapcore.AddSync(os.Stdout)
	case config.EnableRotation:
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		})
	default:
		f, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		sink = zapcore.AddSync(f)
	}

	var encoder zapcore.Encoder
	if config.Development {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, sink, level)
	z := zap.New(core, zap.AddCaller())

	if config.NodeID != "" {
		z = z.With(zap.String("node_id", config.NodeID))
	}
	if config.Component != "" {
		z = z.With(zap.String("component", config.Component))
	}

	return &Logger{zap: z, level: level}, nil
}

// NewNopLogger returns a logger that discards everything. Used in tests.
func NewNopLogger() *Logger {
	return &Logger{zap: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// WithFields returns a child logger with extra static fields.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), level: l.level}
}

func (l *Logger) contextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if v, ok := ctx.Value(ContextKeyNodeID).(string); ok {
		fields = append(fields, zap.String("node_id", v))
	}
	if v, ok := ctx.Value(ContextKeyComponent).(string); ok {
		fields = append(fields, zap.String("component", v))
	}
	if v, ok := ctx.Value(ContextKeyView).(uint64); ok {
		fields = append(fields, zap.Uint64("view", v))
	}
	return fields
}

func (l *Logger) DebugContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Debug(msg, append(fields, l.contextFields(ctx)...)...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Info(msg, append(fields, l.contextFields(ctx)...)...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Warn(msg, append(fields, l.contextFields(ctx)...)...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Error(msg, append(fields, l.contextFields(ctx)...)...)
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// SetLevel changes the log level at runtime.
func (l *Logger) SetLevel(level string) error {
	return l.level.UnmarshalText([]byte(level))
}

// Shutdown flushes buffered entries.
func (l *Logger) Shutdown() error {
	return l.zap.Sync()
}

// Field helpers so callers don't import zap directly.
func ZapString(key, val string) zap.Field                 { return zap.String(key, val) }
func ZapInt(key string, val int) zap.Field                { return zap.Int(key, val) }
func ZapInt64(key string, val int64) zap.Field            { return zap.Int64(key, val) }
func ZapUint64(key string, val uint64) zap.Field          { return zap.Uint64(key, val) }
func ZapFloat64(key string, val float64) zap.Field        { return zap.Float64(key, val) }
func ZapBool(key string, val bool) zap.Field              { return zap.Bool(key, val) }
func ZapError(err error) zap.Field                        { return zap.Error(err) }
func ZapDuration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
func ZapTime(key string, val time.Time) zap.Field         { return zap.Time(key, val) }
func ZapAny(key string, val interface{}) zap.Field        { return zap.Any(key, val) }
func ZapHex(key string, val []byte) zap.Field             { return zap.String(key, fmt.Sprintf("%x", val)) }
