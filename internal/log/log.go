// Package log builds the logrus logger shared by the command line tools.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New returns a text logger writing to out at the level named by LOG_LEVEL
// (DEBUG, INFO, WARN or ERROR; INFO when unset or unknown).
func New(out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(Level(os.Getenv("LOG_LEVEL")))
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return logger
}

// Level maps a LOG_LEVEL value to a logrus level.
func Level(name string) logrus.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return logrus.DebugLevel
	case "WARN", "WARNING":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

var logger = New(os.Stderr)

// GetLogger returns the process-wide logger.
func GetLogger() *logrus.Logger {
	return logger
}
