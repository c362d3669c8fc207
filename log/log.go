package log

import (
	"go.uber.org/zap"
)

type Option = zap.Option

// Logger is the logging interface used throughout keg. Components take a
// Logger and scope it with With so every line carries the broker id and
// topic/partition it concerns.
type Logger interface {
	// Debug is for logs you want in development and testing.
	Debug(msg string, fields ...Field)
	// Info is for logs you want in production.
	Info(msg string, fields ...Field)
	// Error is for logs you want in production when something failed.
	Error(msg string, fields ...Field)
	// With returns a child logger wrapped with the given fields.
	With(fields ...Field) Logger
	WithOptions(opts ...Option) Logger
}

var _ Logger = (*logger)(nil)

func New() *logger {
	l, _ := zap.NewDevelopment(zap.AddCallerSkip(1))
	return &logger{
		Logger: l,
	}
}

// NewNop returns a logger that discards everything. Handy in tests that
// assert on state rather than output.
func NewNop() *logger {
	return &logger{
		Logger: zap.NewNop(),
	}
}

type logger struct {
	*zap.Logger
}

func (l *logger) Debug(msg string, fields ...Field) {
	l.Logger.Debug(msg, fields...)
}

func (l *logger) Info(msg string, fields ...Field) {
	l.Logger.Info(msg, fields...)
}

func (l *logger) Error(msg string, fields ...Field) {
	l.Logger.Error(msg, fields...)
}

func (l *logger) With(fields ...Field) Logger {
	return &logger{
		Logger: l.Logger.With(fields...),
	}
}

func (l *logger) WithOptions(opts ...Option) Logger {
	return &logger{
		Logger: l.Logger.WithOptions(opts...),
	}
}
