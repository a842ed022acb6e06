package config

import "codeberg.org/mutker/openvprof/internal/errors"

const (
	ErrInvalidConfig   = errors.ErrInvalidConfig
	ErrInvalidInterval = errors.ErrInvalidInterval
	ErrReadConfig      = errors.ErrReadConfig
	ErrBindFlags       = errors.ErrBindFlags
	ErrParseFlags      = errors.ErrorCode("parse_flags_failed")
)
