// Package logger provides a centralized, leveled logging facility.
//
// The call-site API stays printf-shaped (Errorf, Infof, Debugf, Tracef) with a
// single verbosity knob, while output is produced by logrus so that
// structured fields can be attached where a component needs them.
//
// Verbosity levels (in increasing order):
//
//	Error < Info < Debug < Trace
//
// Example usage:
//
//	logger.SetVerbosity(2) // Debug
//	logger.Infof("calibrating %s", ticker)
//	logger.WithFields(logrus.Fields{"rmse": rmse}).Debug("fit done")
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Level represents a logging verbosity level.
// Higher values mean more verbose logging.
type Level int

const (
	Error Level = iota // Error logs only critical failures.
	Info               // Info logs high-level application progress.
	Debug              // Debug logs detailed diagnostic information.
	Trace              // Trace logs very fine-grained execution details.
)

var log = logrus.New()

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	SetVerbosity(int(Info))
}

// SetVerbosity sets the global logging verbosity.
// Out-of-range values are clamped to the nearest level.
func SetVerbosity(v int) {
	switch {
	case v <= int(Error):
		log.SetLevel(logrus.ErrorLevel)
	case v == int(Info):
		log.SetLevel(logrus.InfoLevel)
	case v == int(Debug):
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.TraceLevel)
	}
}

// Verbosity reports the active verbosity level.
func Verbosity() Level {
	switch log.GetLevel() {
	case logrus.TraceLevel:
		return Trace
	case logrus.DebugLevel:
		return Debug
	case logrus.InfoLevel, logrus.WarnLevel:
		return Info
	default:
		return Error
	}
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// WithFields returns an entry carrying structured context.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return log.WithFields(fields)
}

// WithError returns an entry carrying err.
func WithError(err error) *logrus.Entry {
	return log.WithError(err)
}

// Errorf logs an error-level message.
func Errorf(format string, args ...any) {
	log.Errorf(format, args...)
}

// Infof logs an informational message.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
}

// Debugf logs debugging information.
func Debugf(format string, args ...any) {
	log.Debugf(format, args...)
}

// Tracef logs very detailed execution traces. Use sparingly.
func Tracef(format string, args ...any) {
	log.Tracef(format, args...)
}
