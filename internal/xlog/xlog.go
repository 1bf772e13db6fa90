// Package xlog is a structured logger in the erigon-lib/log/v3 calling
// convention (message plus alternating key/value pairs), backed by zap.
package xlog

import (
	"go.uber.org/zap"
)

// Logger is the structured logger handle every subsystem logs through.
type Logger struct {
	s *zap.SugaredLogger
}

var root = New(zap.NewNop())

// New wraps an existing zap.Logger.
func New(z *zap.Logger) *Logger {
	return &Logger{s: z.Sugar()}
}

// SetRoot installs the process-wide default logger returned by package-level
// helpers (Info, Warn, Error, Debug).
func SetRoot(l *Logger) { root = l }

// NewProduction builds the default JSON production logger.
func NewProduction() (*Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return New(z), nil
}

// NewDevelopment builds a human-readable console logger, useful in tests.
func NewDevelopment() *Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		z = zap.NewNop()
	}
	return New(z)
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }

func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{s: l.s.With(kv...)}
}

func (l *Logger) Sync() error { return l.s.Sync() }

// Package-level convenience functions logging through the installed root.
func Debug(msg string, kv ...interface{}) { root.Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { root.Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { root.Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { root.Error(msg, kv...) }
