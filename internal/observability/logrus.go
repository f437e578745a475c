package observability

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LogrusOptions configures the logrus-backed Logger.
type LogrusOptions struct {
	Level  string
	Format string
	// File enables rotated file output in addition to stderr.
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Component  string
}

// LogrusLogger adapts a logrus entry to the Logger interface.
type LogrusLogger struct {
	entry  *logrus.Entry
	closer io.Closer
}

// NewLogrus builds a structured logger writing JSON (or text) records.
func NewLogrus(opts LogrusOptions) (*LogrusLogger, error) {
	base := logrus.New()
	base.SetReportCaller(true)

	level := strings.ToLower(strings.TrimSpace(opts.Level))
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
	}
	base.SetLevel(lvl)

	prettyfier := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: prettyfier,
		})
	case "text":
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: prettyfier,
		})
	default:
		return nil, fmt.Errorf("log format %q: expected json or text", opts.Format)
	}

	logger := &LogrusLogger{}
	if file := strings.TrimSpace(opts.File); file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    defaultInt(opts.MaxSizeMB, 100),
			MaxAge:     defaultInt(opts.MaxAgeDays, 7),
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		base.SetOutput(io.MultiWriter(os.Stderr, rotator))
		logger.closer = rotator
	} else {
		base.SetOutput(os.Stderr)
	}

	entry := logrus.NewEntry(base)
	if c := strings.TrimSpace(opts.Component); c != "" {
		entry = entry.WithField("component", c)
	}
	logger.entry = entry
	return logger, nil
}

// NewLogrusWith wraps an existing logrus logger. Used by tests to capture output.
func NewLogrusWith(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

// WithComponent returns a child logger tagged with component.
func (l *LogrusLogger) WithComponent(component string) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithField("component", component), closer: l.closer}
}

func (l *LogrusLogger) Debug(msg string, fields ...Field) {
	l.entry.WithFields(toLogrusFields(fields)).Debug(msg)
}

func (l *LogrusLogger) Info(msg string, fields ...Field) {
	l.entry.WithFields(toLogrusFields(fields)).Info(msg)
}

func (l *LogrusLogger) Error(msg string, fields ...Field) {
	l.entry.WithFields(toLogrusFields(fields)).Error(msg)
}

// Close flushes and closes the rotated file, if any.
func (l *LogrusLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func toLogrusFields(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		if err, ok := f.Value.(error); ok {
			out[f.Key] = err.Error()
			continue
		}
		out[f.Key] = f.Value
	}
	return out
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
