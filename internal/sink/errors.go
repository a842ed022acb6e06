package sink

import "codeberg.org/mutker/openvprof/internal/errors"

const (
	ErrOpenSink   = errors.ErrorCode("sink_open_failed")
	ErrWriteSink  = errors.ErrorCode("sink_write_failed")
	ErrCloseSink  = errors.ErrorCode("sink_close_failed")
	ErrSinkClosed = errors.ErrorCode("sink_closed")
	ErrReadTrace  = errors.ErrorCode("trace_read_failed")
)
