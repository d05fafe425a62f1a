// Package logging provides the leveled, structured sink the forwarder treats
// as an external collaborator (spec §6): side-effect only, never returned
// through an error path, and injected explicitly rather than reached for as
// a package-level singleton (design note in spec §9).
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Level orders the severities the forwarder emits at.
type Level int

const (
	Trace Level = iota
	Debug
	Info
	Warn
	ErrorLevel
	Critical
)

// Logger is the contract every forwarder component depends on. Components
// take a Logger explicitly in their constructor; nothing in this module
// reads a package-level global.
type Logger interface {
	Log(level Level, fields Fields, format string, args ...interface{})
	With(fields Fields) Logger
}

// Fields is a small structured key/value bag appended to the log line, used
// for connection ids, endpoint names, and backend addresses.
type Fields map[string]interface{}

// stdLogger is the one concrete Logger shipped with this module: two
// *log.Logger sinks split by stream (stdout and stderr), the same shape as the teacher's
// pkg/logger, generalized into an interface and given two more levels
// (trace/critical) per the contract in spec §6.
type stdLogger struct {
	out    *log.Logger
	err    *log.Logger
	base   Fields
	minLvl Level
}

// New builds the default Logger, writing trace/debug/info to stdout and
// warn/error/critical to stderr, gated by minLevel.
func New(minLevel Level) Logger {
	return &stdLogger{
		out:    log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lmicroseconds),
		err:    log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds),
		minLvl: minLevel,
	}
}

func (l *stdLogger) With(fields Fields) Logger {
	merged := make(Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &stdLogger{out: l.out, err: l.err, base: merged, minLvl: l.minLvl}
}

func (l *stdLogger) Log(level Level, fields Fields, format string, args ...interface{}) {
	if level < l.minLvl {
		return
	}
	msg := fmt.Sprintf(format, args...)
	suffix := formatFields(l.base, fields)
	line := levelPrefix(level) + msg + suffix
	if level >= Warn {
		l.err.Println(line)
	} else {
		l.out.Println(line)
	}
	if level == Critical {
		os.Exit(1)
	}
}

func levelPrefix(l Level) string {
	switch l {
	case Trace:
		return "TRACE: "
	case Debug:
		return "DEBUG: "
	case Info:
		return "INFO:  "
	case Warn:
		return "WARN:  "
	case ErrorLevel:
		return "ERROR: "
	case Critical:
		return "CRIT:  "
	default:
		return ""
	}
}

func formatFields(base, extra Fields) string {
	if len(base) == 0 && len(extra) == 0 {
		return ""
	}
	var b strings.Builder
	write := func(f Fields) {
		for k, v := range f {
			b.WriteString(" ")
			b.WriteString(k)
			b.WriteString("=")
			fmt.Fprintf(&b, "%v", v)
		}
	}
	write(base)
	write(extra)
	return b.String()
}

// Convenience helpers mirroring the teacher's Info/Warn/Error/Fatal surface.
func Tracef(l Logger, format string, args ...interface{})    { l.Log(Trace, nil, format, args...) }
func Debugf(l Logger, format string, args ...interface{})    { l.Log(Debug, nil, format, args...) }
func Infof(l Logger, format string, args ...interface{})     { l.Log(Info, nil, format, args...) }
func Warnf(l Logger, format string, args ...interface{})     { l.Log(Warn, nil, format, args...) }
func Errorf(l Logger, format string, args ...interface{})    { l.Log(ErrorLevel, nil, format, args...) }
func Criticalf(l Logger, format string, args ...interface{}) { l.Log(Critical, nil, format, args...) }
