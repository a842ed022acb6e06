package activity

import "codeberg.org/mutker/openvprof/internal/errors"

const (
	ErrEnableKind        = errors.ErrorCode("activity_enable_failed")
	ErrConfigureCounters = errors.ErrorCode("activity_configure_counters_failed")
	ErrRegisterCallbacks = errors.ErrorCode("activity_register_callbacks_failed")
	ErrAttribute         = errors.ErrorCode("activity_attribute_failed")
	ErrFlush             = errors.ErrorCode("activity_flush_failed")
	ErrDroppedCount      = errors.ErrorCode("activity_dropped_count_failed")
	ErrNotSupported      = errors.ErrorCode("activity_not_supported")
	ErrEndOfBuffer       = errors.ErrorCode("activity_end_of_buffer")
	ErrMalformedEntry    = errors.ErrorCode("activity_malformed_entry")
	ErrEncodeEntry       = errors.ErrorCode("activity_encode_failed")
	ErrReplayFile        = errors.ErrorCode("activity_replay_file_failed")
	ErrCallbacksMissing  = errors.ErrorCode("activity_callbacks_not_registered")
)
