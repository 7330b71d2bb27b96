// Package logging configures the process-wide logrus logger from PG_LOG.
package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// New parses levelEnv (the value of PG_LOG) into a *logrus.Logger.
// Recognized levels are error, warn, info, debug, trace; unknown or empty
// values default to info.
func New(levelEnv string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(levelEnv)))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
