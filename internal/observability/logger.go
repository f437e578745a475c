// Package observability carries the structured logger every layer writes to.
// Until a process installs a backend with Install or SetLogger, records are
// discarded.
package observability

import "sync/atomic"

// Logger is the structured logging surface used across packages.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one key/value pair of a record. Fields with an empty key are dropped.
type Field struct {
	Key   string
	Value any
}

type installed struct{ Logger }

var current atomic.Value

func init() { current.Store(installed{noopLogger{}}) }

// SetLogger replaces the process logger. nil restores the discarding logger.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	current.Store(installed{logger})
}

// Install builds the logrus backend from opts and makes it the process logger.
// The caller closes the returned logger on exit to flush rotated files.
func Install(opts LogrusOptions) (*LogrusLogger, error) {
	logger, err := NewLogrus(opts)
	if err != nil {
		return nil, err
	}
	SetLogger(logger)
	return logger, nil
}

// Log returns the process logger.
func Log() Logger {
	return current.Load().(installed).Logger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
