// Package logx provides the logger used across compose-guardian.
package logx

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger defines the interface used by every package instead of depending
// on logrus directly, so tests can substitute a silent implementation.
type Logger interface {
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
	WithField(key string, value interface{}) Logger
}

// DefaultLogger wraps a logrus.Entry.
type DefaultLogger struct {
	entry *logrus.Entry
	mu    *sync.Mutex
}

var _ Logger = (*DefaultLogger)(nil)

// New creates a logger writing structured, timestamped lines to stderr.
func New() *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &DefaultLogger{entry: logrus.NewEntry(l), mu: &sync.Mutex{}}
}

// SetLevel adjusts the verbosity of the underlying logrus logger.
func (l *DefaultLogger) SetLevel(level logrus.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry.Logger.SetLevel(level)
}

func (l *DefaultLogger) Debug(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *DefaultLogger) Info(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(format string, v ...interface{}) { l.entry.Errorf(format, v...) }

// WithField returns a child logger carrying an extra structured field,
// e.g. the compose path or run timestamp of the stack being processed.
func (l *DefaultLogger) WithField(key string, value interface{}) Logger {
	return &DefaultLogger{entry: l.entry.WithField(key, value), mu: l.mu}
}
