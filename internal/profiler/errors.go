package profiler

import "codeberg.org/mutker/openvprof/internal/errors"

const (
	ErrStartWriter   = errors.ErrorCode("profiler_start_writer_failed")
	ErrInitActivity  = errors.ErrorCode("profiler_init_activity_failed")
	ErrStartMonitor  = errors.ErrorCode("profiler_start_monitor_failed")
	ErrStopProfiler  = errors.ErrStopProfile
	ErrAlreadyActive = errors.ErrInvalidState
)
