// Package logger provides the leveled logger used throughout topicd.
package logger

import (
	"io"
	"io/ioutil"
	"sync"

	gnatsd "github.com/nats-io/nats-server/v2/server"
	log "github.com/sirupsen/logrus"
)

// Logger interface is used to allow tests to inject custom loggers.
type Logger interface {
	Fatalf(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Debug(...interface{})
	Warn(...interface{})
	Info(...interface{})
	Error(...interface{})
	Fatal(...interface{})
	Silent(bool)
}

type logger struct {
	*log.Logger
	mu       sync.Mutex
	savedOut io.Writer
}

// NewLogger returns a new Logger instance backed by Logrus.
func NewLogger(level uint32) Logger {
	l := log.New()
	l.SetLevel(log.Level(level))
	l.Formatter = &log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
	return &logger{Logger: l}
}

// Silent discards all output while enabled. Disabling it restores the writer
// that was active when it was enabled and panics if it was never enabled.
func (l *logger) Silent(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if enable {
		if l.savedOut == nil {
			l.savedOut = l.Out
		}
		l.SetOutput(ioutil.Discard)
		return
	}
	if l.savedOut == nil {
		panic("logger: Silent(false) called before Silent(true)")
	}
	l.SetOutput(l.savedOut)
	l.savedOut = nil
}

// natsLogger implements the NATS server logger interface by writing log
// messages to a topicd logger.
type natsLogger struct {
	logger Logger
}

// NewNATSLogger creates a NATS logger that writes log messages to the given
// Logger. When disabled, everything except fatal errors is dropped.
func NewNATSLogger(logger Logger, enabled bool) gnatsd.Logger {
	if enabled {
		return &natsLogger{logger}
	}
	return &noopNATSLogger{logger}
}

// Noticef logs a notice statement.
func (n *natsLogger) Noticef(format string, v ...interface{}) {
	n.logger.Infof("nats: "+format, v...)
}

// Warnf logs a warning statement.
func (n *natsLogger) Warnf(format string, v ...interface{}) {
	n.logger.Warnf("nats: "+format, v...)
}

// Fatalf logs a fatal error.
func (n *natsLogger) Fatalf(format string, v ...interface{}) {
	n.logger.Fatalf("nats: "+format, v...)
}

// Errorf logs an error.
func (n *natsLogger) Errorf(format string, v ...interface{}) {
	n.logger.Errorf("nats: "+format, v...)
}

// Debugf logs a debug statement.
func (n *natsLogger) Debugf(format string, v ...interface{}) {
	n.logger.Debugf("nats: "+format, v...)
}

// Tracef logs a trace statement.
func (n *natsLogger) Tracef(format string, v ...interface{}) {
	n.logger.Debugf("nats: "+format, v...)
}

type noopNATSLogger struct {
	logger Logger
}

func (n *noopNATSLogger) Noticef(format string, v ...interface{}) {}
func (n *noopNATSLogger) Warnf(format string, v ...interface{})   {}
func (n *noopNATSLogger) Errorf(format string, v ...interface{})  {}
func (n *noopNATSLogger) Debugf(format string, v ...interface{})  {}
func (n *noopNATSLogger) Tracef(format string, v ...interface{})  {}

// Fatalf logs a fatal error.
func (n *noopNATSLogger) Fatalf(format string, v ...interface{}) {
	n.logger.Fatalf("nats: "+format, v...)
}
