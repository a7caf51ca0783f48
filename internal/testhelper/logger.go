package testhelper

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gitlab.com/gitlab-org/walrelay/internal/log"
)

type loggerOptions struct {
	level logrus.Level
}

// LoggerOption configures a logger created by NewLogger.
type LoggerOption func(*loggerOptions)

// WithLevel sets the level of the logger.
func WithLevel(level logrus.Level) LoggerOption {
	return func(opts *loggerOptions) {
		opts.level = level
	}
}

type testWriter struct {
	tb testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.tb.Log(string(p))
	return len(p), nil
}

// NewLogger returns a logger that writes into the test's output.
func NewLogger(tb testing.TB, options ...LoggerOption) log.Logger {
	opts := loggerOptions{level: logrus.InfoLevel}
	for _, apply := range options {
		apply(&opts)
	}

	logger := logrus.New()
	logger.Out = log.NewSyncWriter(testWriter{tb: tb})
	logger.Formatter = log.UTCTextFormatter()
	logger.SetLevel(opts.level)

	// Goroutines of a finished test must not write into its output anymore.
	tb.Cleanup(func() { logger.SetOutput(io.Discard) })

	return log.FromLogrusEntry(logrus.NewEntry(logger))
}

// SharedLogger returns a logger for components that are shared by the subtests of a test.
func SharedLogger(tb testing.TB) log.Logger {
	return NewLogger(tb)
}

// LoggerHook records the entries written by a logger.
type LoggerHook struct {
	hook *test.Hook
}

// AddLoggerHook installs a recording hook into the given logger.
func AddLoggerHook(logger log.Logger) LoggerHook {
	return LoggerHook{hook: test.NewLocal(logger.(log.LogrusLogger).LogrusEntry().Logger)}
}

// AllEntries returns all recorded entries.
func (h LoggerHook) AllEntries() []*logrus.Entry {
	return h.hook.AllEntries()
}

// LastEntry returns the last recorded entry or nil.
func (h LoggerHook) LastEntry() *logrus.Entry {
	return h.hook.LastEntry()
}

// Reset drops all recorded entries.
func (h LoggerHook) Reset() {
	h.hook.Reset()
}

// Messages returns the messages of the recorded entries with the given level.
func (h LoggerHook) Messages(level logrus.Level) []string {
	var messages []string
	for _, entry := range h.hook.AllEntries() {
		if entry.Level == level {
			messages = append(messages, entry.Message)
		}
	}
	return messages
}
