package types

// Logger is the logging contract every ambient component in this module
// depends on. It mirrors the teacher's types.Logger interface: plain and
// formatted variants per level, plus a debug toggle, so production code
// never imports a concrete logging library directly.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	ToggleDebug(value bool) bool
}
