package writer

import "codeberg.org/mutker/openvprof/internal/errors"

const (
	ErrAlreadyStarted = errors.ErrorCode("writer_already_started")
	ErrSinkOpen       = errors.ErrorCode("writer_sink_open_failed")
	ErrSinkClose      = errors.ErrorCode("writer_sink_close_failed")
)
