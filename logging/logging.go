// Package logging wraps zap behind the ErrorLog-style hook this module's
// teacher exposes on its long-lived components.
package logging

import "go.uber.org/zap"

// Logger is the structured logger every long-lived component in this module
// accepts. The zero value is safe to use and discards everything, the same
// as Nop().
type Logger struct {
	z *zap.SugaredLogger
}

// New wraps an existing zap logger.
func New(z *zap.Logger) Logger {
	return Logger{z: z.Sugar()}
}

// Default builds a production zap logger. Errors building it fall back to a
// no-op logger rather than panicking, since logging setup failing shouldn't
// take down a voice session.
func Default() Logger {
	z, err := zap.NewProduction()
	if err != nil {
		return Nop()
	}
	return New(z)
}

// Nop returns a logger that discards everything, used as the zero-cost
// default in tests.
func Nop() Logger {
	return Logger{z: zap.NewNop().Sugar()}
}

func (l Logger) Debugf(format string, args ...interface{}) {
	if l.z == nil {
		return
	}
	l.z.Debugf(format, args...)
}

func (l Logger) Infof(format string, args ...interface{}) {
	if l.z == nil {
		return
	}
	l.z.Infof(format, args...)
}

func (l Logger) Errorf(format string, args ...interface{}) {
	if l.z == nil {
		return
	}
	l.z.Errorf(format, args...)
}

// ErrorLog adapts this Logger into the func(error) hook shape used
// throughout this module (Gateway.ErrorLog, Supervisor.ErrorLog, ...).
func (l Logger) ErrorLog(err error) {
	if err == nil {
		return
	}
	l.Errorf("%v", err)
}

// Sync flushes any buffered log entries.
func (l Logger) Sync() error {
	if l.z == nil {
		return nil
	}
	return l.z.Sync()
}
