// Package logging provides the default types.Logger implementation used
// across the runtime when a caller does not supply its own.
package logging

import (
	"os"

	promlog "github.com/prometheus/common/log"
	"github.com/sirupsen/logrus"

	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// DefaultLogger wraps a logrus.Logger configured with structured fields
// (node, role) so every pump, link and dispatcher in the module logs with
// consistent context. Promoted from the teacher's stdlib-backed
// DefaultLogger since background components here routinely need to attach
// rrid/peer fields rather than format flat strings.
type DefaultLogger struct {
	entry *logrus.Entry
	debug bool
}

// NewDefaultLogger builds a DefaultLogger that writes to stderr with the
// given base fields (typically {"node": id}) attached to every line.
func NewDefaultLogger(fields logrus.Fields) *DefaultLogger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{entry: base.WithFields(fields)}
}

var _ types.Logger = (*DefaultLogger)(nil)

func (l *DefaultLogger) Info(v ...interface{})                 { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                 { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }

func (l *DefaultLogger) Debug(v ...interface{}) {
	if l.debug {
		l.entry.Debug(v...)
	}
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.entry.Debugf(format, v...)
	}
}

// ToggleDebug flips debug-level logging on or off and returns the new
// state, matching the teacher's DefaultLogger.ToggleDebug signature.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	l.debug = value
	if value {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return l.debug
}

// fallbackLogger adapts the package-level github.com/prometheus/common/log
// functions to types.Logger. The teacher's own ReliableTransport
// (pkg/mcast/core/transport.go) calls log.Errorf directly from this same
// package rather than holding a *Logger instance, for diagnostic lines
// that must not risk re-entering user code through an instance method on a
// locked component; Fallback keeps that exact shape.
type fallbackLogger struct{}

var _ types.Logger = fallbackLogger{}

func (fallbackLogger) Info(v ...interface{})                  { promlog.Info(v...) }
func (fallbackLogger) Infof(format string, v ...interface{})  { promlog.Infof(format, v...) }
func (fallbackLogger) Warn(v ...interface{})                  { promlog.Warn(v...) }
func (fallbackLogger) Warnf(format string, v ...interface{})  { promlog.Warnf(format, v...) }
func (fallbackLogger) Error(v ...interface{})                 { promlog.Error(v...) }
func (fallbackLogger) Errorf(format string, v ...interface{}) { promlog.Errorf(format, v...) }
func (fallbackLogger) Debug(v ...interface{})                 { promlog.Debug(v...) }
func (fallbackLogger) Debugf(format string, v ...interface{}) { promlog.Debugf(format, v...) }

// ToggleDebug flips the level on the shared prometheus/common/log base
// logger. Since that logger is process-global, this affects every caller
// of Fallback, not just this one; callers that need isolated debug control
// should use a DefaultLogger instead.
func (fallbackLogger) ToggleDebug(value bool) bool {
	if value {
		_ = promlog.Base().SetLevel("debug")
	} else {
		_ = promlog.Base().SetLevel("info")
	}
	return value
}

// Fallback is a package-level logger with no attached fields, used by
// background pumps that must log without risking a call back into user
// code or a blocking acquisition of a component lock.
var Fallback types.Logger = fallbackLogger{}
