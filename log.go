package main

import (
	"github.com/ThreeDotsLabs/watermill"
	log "github.com/sirupsen/logrus"
)

// watermillLogger hands watermill's logs to logrus.
type watermillLogger struct {
	entry *log.Entry
}

var _ watermill.LoggerAdapter = (*watermillLogger)(nil)

func newWatermillLogger(entry *log.Entry) *watermillLogger {
	return &watermillLogger{entry: entry}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.entry.WithFields(log.Fields(fields)).WithError(err).Error(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.entry.WithFields(log.Fields(fields)).Info(msg)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.entry.WithFields(log.Fields(fields)).Debug(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.entry.WithFields(log.Fields(fields)).Trace(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{entry: l.entry.WithFields(log.Fields(fields))}
}
