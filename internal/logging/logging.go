// Package logging configures the gateway's structured logger (spec
// §4.K). Grounded on github.com/sirupsen/logrus, a direct dependency
// of kcp-dev-kcp in the corpus.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Options configures the root logger.
type Options struct {
	Level string // logrus level name; defaults to "info" on parse failure
	JSON  bool
}

// New builds a configured *logrus.Logger writing to stderr.
func New(opts Options) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if opts.JSON {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// Request builds the per-request log entry carrying the fields the
// gateway attaches to every access log line (spec §4.K).
func Request(log *logrus.Logger, correlationID, method, path, routeID string) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"correlation_id": correlationID,
		"method":         method,
		"path":           path,
		"route":          routeID,
	})
}
