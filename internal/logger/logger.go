package logger

import (
	"io"
	"os"
	"syscall"
	"time"

	"codeberg.org/mutker/openvprof/internal/errors"
	"github.com/rs/zerolog"
)

type Level int8

const (
	TraceLevel Level = iota - 1
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	CriticalLevel

	DefaultLevel = WarnLevel
)

// LevelNames lists the recognized values of the log level setting.
var LevelNames = []string{"trace", "debug", "info", "warn", "err", "crit"}

// ParseLevel maps a level name to a Level. Unrecognized names yield the
// default level and false.
func ParseLevel(name string) (Level, bool) {
	switch name {
	case "trace":
		return TraceLevel, true
	case "debug":
		return DebugLevel, true
	case "info":
		return InfoLevel, true
	case "warn":
		return WarnLevel, true
	case "err":
		return ErrorLevel, true
	case "crit":
		return CriticalLevel, true
	default:
		return DefaultLevel, false
	}
}

func (l Level) zerolog() zerolog.Level {
	if l == CriticalLevel {
		return zerolog.FatalLevel
	}
	return zerolog.Level(l)
}

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

type zlogger struct {
	// base is log without the component field.
	base zerolog.Logger
	log  zerolog.Logger
}

func newZlogger(log zerolog.Logger) *zlogger {
	return &zlogger{base: log, log: log}
}

// New creates a console logger on stderr at the given level.
func New(level Level, isService bool) Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	return newZlogger(zerolog.New(output).Level(level.zerolog()).With().Timestamp().Logger())
}

// NewWithWriter creates a logger emitting JSON lines to w.
func NewWithWriter(w io.Writer, level Level) Logger {
	return newZlogger(zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger())
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return newZlogger(zerolog.Nop())
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// With returns a logger tagged with component. It replaces any component
// set by an earlier With.
func (l *zlogger) With(component string) Logger {
	return &zlogger{base: l.base, log: l.base.With().Str("component", component).Logger()}
}

// Trace logs a trace message
func (l *zlogger) Trace() *LogEvent {
	return &LogEvent{l.log.Trace()}
}

// Debug logs a debug message
func (l *zlogger) Debug() *LogEvent {
	return &LogEvent{l.log.Debug()}
}

// Info logs an info message
func (l *zlogger) Info() *LogEvent {
	return &LogEvent{l.log.Info()}
}

// Warn logs a warning message
func (l *zlogger) Warn() *LogEvent {
	return &LogEvent{l.log.Warn()}
}

// Error logs an error message
func (l *zlogger) Error() *LogEvent {
	return &LogEvent{l.log.Error()}
}

// Fatal logs a fatal message and exits the program
func (l *zlogger) Fatal() *LogEvent {
	return &LogEvent{l.log.Fatal()}
}

// ErrorWithCode logs an error message with a specific error code
func (l *zlogger) ErrorWithCode(err errors.Error) *LogEvent {
	return &LogEvent{l.log.Error().
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func (l *zlogger) FatalWithCode(err errors.Error) *LogEvent {
	return &LogEvent{l.log.Fatal().
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}
