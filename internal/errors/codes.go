package errors

// Common error codes
const (
	// System errors
	ErrInternal    ErrorCode = "internal_error"
	ErrUnavailable ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Lifecycle errors
	ErrInvalidState    ErrorCode = "invalid_state"
	ErrShutdownTimeout ErrorCode = "shutdown_timeout"

	// Application errors
	ErrRunCommand  ErrorCode = "run_command_failed"
	ErrStopProfile ErrorCode = "stop_profiler_failed"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:        "Internal error occurred",
	ErrUnavailable:     "Service unavailable",
	ErrInvalidConfig:   "Invalid configuration",
	ErrReadConfig:      "Failed to read configuration",
	ErrBindFlags:       "Failed to bind flags",
	ErrInvalidInterval: "Invalid interval value",
	ErrInitFailed:      "Initialization failed",
	ErrShutdownFailed:  "Shutdown failed",
	ErrInvalidState:    "Invalid state for operation",
	ErrShutdownTimeout: "Shutdown did not complete in time",
	ErrRunCommand:      "Failed to run command",
	ErrStopProfile:     "Failed to stop profiler",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
