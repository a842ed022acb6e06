package logger

import "codeberg.org/mutker/openvprof/internal/errors"

// Logger defines the interface for logging operations.
type Logger interface {
	Trace() *LogEvent
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	ErrorWithCode(err errors.Error) *LogEvent
	FatalWithCode(err errors.Error) *LogEvent
	With(component string) Logger
}
