// Package logging configures the single structured logger threaded
// through the dispatcher, the replication client and cmd/server.
package logging

import "github.com/sirupsen/logrus"

// New returns a logrus.Logger with text output and full timestamps, the
// same baseline the pack's from-scratch Redis clone configures.
func New() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
	return log
}
