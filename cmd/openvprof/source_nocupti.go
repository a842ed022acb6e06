//go:build !cupti

package main

import (
	"codeberg.org/mutker/openvprof/internal/activity"
	"codeberg.org/mutker/openvprof/internal/config"
	"codeberg.org/mutker/openvprof/internal/logger"
)

func activitySource(cfg *config.Config, log logger.Logger) (activity.Source, error) {
	if cfg.ActivityReplay != "" {
		return activity.NewReplaySource(cfg.ActivityReplay, log), nil
	}

	log.Warn().Msg("Built without CUPTI support, activity collection disabled")

	return nil, nil
}
