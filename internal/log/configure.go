package log

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	// LogTimestampFormatUTC is the timestamp format used by both formatters.
	LogTimestampFormatUTC = "2006-01-02T15:04:05.000Z"
)

// Config contains logging configuration values.
type Config struct {
	Dir    string `json:"dir"    toml:"dir,omitempty"`
	Format string `json:"format" toml:"format,omitempty"`
	Level  string `json:"level"  toml:"level,omitempty"`
}

type utcFormatter struct {
	logrus.Formatter
}

func (u utcFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return u.Formatter.Format(e)
}

// UTCJsonFormatter returns a JSON formatter that writes timestamps in UTC.
func UTCJsonFormatter() logrus.Formatter {
	return &utcFormatter{Formatter: &logrus.JSONFormatter{TimestampFormat: LogTimestampFormatUTC}}
}

// UTCTextFormatter returns a text formatter that writes timestamps in UTC.
func UTCTextFormatter() logrus.Formatter {
	return &utcFormatter{Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormatUTC}}
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = os.Stdout
	return logger
}

// Configure creates a new logger writing to out with the given format and level.
func Configure(out io.Writer, format string, level string, hooks ...logrus.Hook) (Logger, error) {
	logger := newLogger()
	if err := configure(logger, out, format, level, hooks...); err != nil {
		return nil, err
	}

	return FromLogrusEntry(logrus.NewEntry(logger)), nil
}

func configure(logger *logrus.Logger, out io.Writer, format, level string, hooks ...logrus.Hook) error {
	var formatter logrus.Formatter
	switch format {
	case "json":
		formatter = UTCJsonFormatter()
	case "text":
		formatter = UTCTextFormatter()
	default:
		return fmt.Errorf("invalid logger format %q", format)
	}

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse level: %w", err)
	}

	logger.Out = out
	logger.SetLevel(logrusLevel)
	logger.Formatter = formatter
	for _, hook := range hooks {
		logger.Hooks.Add(hook)
	}

	return nil
}
