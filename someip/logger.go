package someip

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger interface should be implemented by the client
type Logger interface {
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

// NewLogger creates a debug level logger writing text lines to out.
func NewLogger(out io.Writer) Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.DebugLevel)
	return l
}

// NewLoggerWithLevel creates a logger filtering below level ("debug",
// "info", "warn", ...).
func NewLoggerWithLevel(out io.Writer, level string) (Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l, nil
}

// NewNopLogger creates a logger which drops everything.
func NewNopLogger() Logger {
	return NewLogger(io.Discard)
}
