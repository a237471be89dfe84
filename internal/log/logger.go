// Package log holds the process-wide zap logger. Components take a child
// logger tagged with their name:
//
//	logger := log.With(zap.String("component", "client"))
//
// and the printf-style helpers cover one-off messages.
package log

import (
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel defines the severity of a log message.
type LogLevel uint32

// Constants for log levels.
const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var zapLevels = [...]zapcore.Level{
	LevelDebug: zapcore.DebugLevel,
	LevelInfo:  zapcore.InfoLevel,
	LevelWarn:  zapcore.WarnLevel,
	LevelError: zapcore.ErrorLevel,
	LevelFatal: zapcore.FatalLevel,
}

func (l LogLevel) zapLevel() zapcore.Level {
	if int(l) < len(zapLevels) {
		return zapLevels[l]
	}
	return zapcore.InfoLevel
}

// String returns the upper-case level name, e.g. "WARN".
func (l LogLevel) String() string {
	if int(l) >= len(zapLevels) {
		return "UNKNOWN"
	}
	return l.zapLevel().CapitalString()
}

// ParseLevel converts a level name, case-insensitively, to a LogLevel.
// "warning" is accepted for warn. Unknown names give LevelInfo and false.
func ParseLevel(levelStr string) (LogLevel, bool) {
	name := strings.ToLower(levelStr)
	if name == "warning" {
		name = "warn"
	}
	for l, zl := range zapLevels {
		if zl.String() == name {
			return LogLevel(l), true
		}
	}
	return LevelInfo, false
}

var (
	// atomicLevel is shared by every core so SetLevel applies at once.
	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	current     atomic.Uint32
	logger      atomic.Pointer[zap.Logger]
)

func init() {
	SetOutput(zapcore.Lock(os.Stderr))
	SetLevel(LevelInfo)
}

func newLogger(out zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), out, atomicLevel)
	return zap.New(core)
}

// SetOutput redirects all log output. Child loggers created before the call
// keep the old sink.
func SetOutput(out zapcore.WriteSyncer) {
	logger.Store(newLogger(out))
}

// ToFile appends log output to path, for when the terminal monitor owns the
// screen. The returned function closes the file.
func ToFile(path string) (func(), error) {
	sink, closeFn, err := zap.Open(path)
	if err != nil {
		return nil, err
	}
	SetOutput(sink)
	return closeFn, nil
}

// SetLevel sets the global logging level.
func SetLevel(level LogLevel) {
	current.Store(uint32(level))
	atomicLevel.SetLevel(level.zapLevel())
}

// GetLevel returns the global logging level.
func GetLevel() LogLevel {
	return LogLevel(current.Load())
}

// L returns the underlying zap logger.
func L() *zap.Logger {
	return logger.Load()
}

// With returns a child logger carrying the given structured fields.
func With(fields ...zap.Field) *zap.Logger {
	return logger.Load().With(fields...)
}

// Sync flushes any buffered entries.
func Sync() error {
	return logger.Load().Sync()
}

func sugar() *zap.SugaredLogger {
	return logger.Load().WithOptions(zap.AddCallerSkip(1)).Sugar()
}

// Debugf logs a formatted debug message.
func Debugf(format string, v ...any) { sugar().Debugf(format, v...) }

// Infof logs a formatted info message.
func Infof(format string, v ...any) { sugar().Infof(format, v...) }

// Warnf logs a formatted warning.
func Warnf(format string, v ...any) { sugar().Warnf(format, v...) }

// Errorf logs a formatted error.
func Errorf(format string, v ...any) { sugar().Errorf(format, v...) }

// Fatalf logs a formatted message and exits.
func Fatalf(format string, v ...any) { sugar().Fatalf(format, v...) }

// Fatal logs its arguments and exits.
func Fatal(v ...any) { sugar().Fatal(v...) }
