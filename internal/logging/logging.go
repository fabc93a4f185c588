// Package logging provides structured logging with zap. Operations carry
// a scoped logger in their context so every line they emit names the
// operation and its id.
package logging

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	loggerKey      contextKey = "logger"
	operationIDKey contextKey = "op_id"
)

// loggers holds the global logger and a copy that skips the package-level
// helper frame when reporting callers.
type loggers struct {
	base    *zap.Logger
	helpers *zap.Logger
}

var (
	global      atomic.Pointer[loggers]
	globalLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init builds the global logger. An unparsable level falls back to info.
func Init(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}
	globalLevel.SetLevel(level)

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = globalLevel
	zc.OutputPaths = []string{"stderr"}
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	Replace(logger)
	return nil
}

// Replace swaps the global logger. Tests use it with zaptest/observer cores.
func Replace(logger *zap.Logger) {
	global.Store(&loggers{base: logger, helpers: logger.WithOptions(zap.AddCallerSkip(1))})
}

// Sync flushes any buffered log entries.
func Sync() error {
	if l := global.Load(); l != nil {
		return l.base.Sync()
	}
	return nil
}

// SetLevel changes the global log level at runtime. Unknown levels are
// ignored.
func SetLevel(level string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return
	}
	globalLevel.SetLevel(l)
}

func current() *loggers {
	if l := global.Load(); l != nil {
		return l
	}
	zc := zap.NewProductionConfig()
	zc.Level = globalLevel
	logger, err := zc.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	global.CompareAndSwap(nil, &loggers{base: logger, helpers: logger.WithOptions(zap.AddCallerSkip(1))})
	return global.Load()
}

// L returns the global logger.
func L() *zap.Logger {
	return current().base
}

// WithContext returns the logger scoped into ctx, or the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return L()
}

// WithOperation scopes the context logger to one filesystem operation.
func WithOperation(ctx context.Context, op, opID string) context.Context {
	logger := WithContext(ctx).With(zap.String("op", op), zap.String("op_id", opID))
	ctx = context.WithValue(ctx, operationIDKey, opID)
	return context.WithValue(ctx, loggerKey, logger)
}

// GetOperationID returns the operation ID from context.
func GetOperationID(ctx context.Context) string {
	if id, ok := ctx.Value(operationIDKey).(string); ok {
		return id
	}
	return ""
}

func Debug(msg string, fields ...zap.Field) { current().helpers.Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { current().helpers.Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { current().helpers.Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { current().helpers.Error(msg, fields...) }
