package logging

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// New returns a stderr logger with RFC3339 timestamps at the named level.
func New(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return log, nil
}

// Default is New("info").
func Default() *logrus.Logger {
	log, _ := New("info")
	return log
}
