package logger

import (
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New("info"))
}

// New builds a console logger writing info/debug to stdout and errors to stderr.
func New(level string) *Logger {
	lvl := zap.NewAtomicLevelAt(ParseLevel(level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	low := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return lvl.Enabled(l) && l < zapcore.ErrorLevel
	})
	high := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return lvl.Enabled(l) && l >= zapcore.ErrorLevel
	})

	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), low),
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), high),
	)
	return &Logger{
		sugar: zap.New(core).Sugar(),
		level: lvl,
	}
}

// NewWithCore wraps an arbitrary zap core, used by tests to capture output.
func NewWithCore(core zapcore.Core) *Logger {
	return &Logger{
		sugar: zap.New(core).Sugar(),
		level: zap.NewAtomicLevelAt(zapcore.DebugLevel),
	}
}

// ParseLevel maps debug|info|error to zap levels. Unknown values mean info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Logger) SetLevel(level string) {
	l.level.SetLevel(ParseLevel(level))
}

func (l *Logger) Info(format string, v ...any) {
	l.sugar.Infof(format, v...)
}

func (l *Logger) Error(format string, v ...any) {
	l.sugar.Errorf(format, v...)
}

func (l *Logger) Debug(format string, v ...any) {
	l.sugar.Debugf(format, v...)
}

// With returns a child logger carrying structured key/value context.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{sugar: l.sugar.With(kv...), level: l.level}
}

func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}

func Default() *Logger {
	return defaultLogger.Load()
}

func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

func Info(format string, v ...any) {
	Default().Info(format, v...)
}

func Error(format string, v ...any) {
	Default().Error(format, v...)
}

func Debug(format string, v ...any) {
	Default().Debug(format, v...)
}
