package archbridge

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a logger writing to stderr. Level accepts the logrus level
// names; json switches to one JSON object per line.
func NewLogger(level string, json bool) (*logrus.Logger, error) {
	return newLogger(os.Stderr, level, json)
}

func newLogger(out io.Writer, level string, json bool) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s': %w", level, err)
	}
	logger.SetLevel(lvl)

	if json {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// componentLogger is the default logger of a component that was not given one
func componentLogger(name string) *logrus.Entry {
	return logrus.StandardLogger().WithField("component", name)
}

// stdLogger routes a socket's internal diagnostics into entry at debug level
func stdLogger(entry *logrus.Entry) *log.Logger {
	return log.New(entry.WithField("source", "zmq").WriterLevel(logrus.DebugLevel), "", 0)
}
