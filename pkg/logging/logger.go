// Package logging provides the shared logging setup for GradScan.
// It wraps logrus so every component logs through one configured instance.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Logger is the application-wide logger instance.
var Logger *logrus.Logger

// Fields is an alias for logrus.Fields for convenience.
type Fields = logrus.Fields

func init() {
	Logger = logrus.New()
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
}

// Init configures the log level and optional log file.
// When a file is given, output goes to both stderr and the file.
func Init(level string, logFile string) error {
	SetLevel(level)

	if logFile != "" {
		logDir := filepath.Dir(logFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return err
		}

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}

		Logger.SetOutput(io.MultiWriter(os.Stderr, file))
	}

	return nil
}

// SetLevel sets the logging level. Unknown levels fall back to info.
func SetLevel(level string) {
	switch level {
	case "debug":
		Logger.SetLevel(logrus.DebugLevel)
	case "info":
		Logger.SetLevel(logrus.InfoLevel)
	case "warn":
		Logger.SetLevel(logrus.WarnLevel)
	case "error":
		Logger.SetLevel(logrus.ErrorLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}
}

// Debug logs a debug message.
func Debug(args ...interface{}) {
	Logger.Debug(args...)
}

// Debugf logs a formatted debug message.
func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

// Info logs an info message.
func Info(args ...interface{}) {
	Logger.Info(args...)
}

// Infof logs a formatted info message.
func Infof(format string, args ...interface{}) {
	Logger.Infof(format, args...)
}

// Warnf logs a formatted warning message.
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

// Errorf logs a formatted error message.
func Errorf(format string, args ...interface{}) {
	Logger.Errorf(format, args...)
}

// WithFields returns an entry with fields attached.
func WithFields(fields Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithError returns an entry with an error attached.
func WithError(err error) *logrus.Entry {
	return Logger.WithError(err)
}

// Component returns a logger entry for a specific component.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}
