package device

import (
	"codeberg.org/mutker/openvprof/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	ErrNotInitialized    = errors.ErrorCode("device_not_initialized")
	ErrInitFailed        = errors.ErrorCode("device_init_failed")
	ErrShutdownFailed    = errors.ErrorCode("device_shutdown_failed")
	ErrDeviceCountFailed = errors.ErrorCode("device_count_failed")
	ErrDeviceNotFound    = errors.ErrorCode("device_not_found")
	ErrDriverVersion     = errors.ErrorCode("device_driver_version_failed")
	ErrPerformanceState  = errors.ErrorCode("device_pstate_failed")
	ErrLinkState         = errors.ErrorCode("device_link_state_failed")
	ErrLinkCounter       = errors.ErrorCode("device_link_counter_failed")
	ErrPcieThroughput    = errors.ErrorCode("device_pcie_throughput_failed")
	ErrScanFailed        = errors.ErrorCode("device_scan_failed")
	ErrAlreadyStarted    = errors.ErrorCode("device_monitor_already_started")
	ErrNotRunning        = errors.ErrorCode("device_monitor_not_running")
)

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

// newNVMLError creates an error from an NVML return code
func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}

// IsNVMLSuccess checks if a Return value indicates success
func IsNVMLSuccess(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}

// IsNotSupported reports whether err carries an NVML not-supported status.
func IsNotSupported(err error) bool {
	var nerr *nvmlError
	return errors.As(err, &nerr) && nerr.ret == nvml.ERROR_NOT_SUPPORTED
}

// IsInvalidArgument reports whether err carries an NVML invalid-argument
// status, as returned for a link index the device does not have.
func IsInvalidArgument(err error) bool {
	var nerr *nvmlError
	return errors.As(err, &nerr) && nerr.ret == nvml.ERROR_INVALID_ARGUMENT
}
