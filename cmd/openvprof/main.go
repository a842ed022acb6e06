package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/openvprof/internal/activity"
	"codeberg.org/mutker/openvprof/internal/config"
	"codeberg.org/mutker/openvprof/internal/device"
	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/logger"
	"codeberg.org/mutker/openvprof/internal/profiler"
	"codeberg.org/mutker/openvprof/internal/writer"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 2
	}

	level, ok := cfg.Level()
	log := logger.New(level, logger.IsService())
	if !ok {
		log.Warn().
			Str("log_level", cfg.LogLevel).
			Str("using", "warn").
			Msg("Unknown log level")
	}
	log.Debug().Str("config_file", cfg.ConfigFile).Msg("Config loaded")

	src, release, err := buildSources(cfg, log)
	if err != nil {
		fatal(log, err, "Failed to initialize sources")
		return 1
	}
	defer release()

	prof := profiler.New(profilerConfig(cfg), src, log)
	if err := prof.Start(); err != nil {
		release()
		fatal(log, err, "Failed to start profiler")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, log)

	code := 0
	if len(cfg.Command) > 0 {
		code, err = runCommand(ctx, cfg.Command, log)
		if err != nil {
			logError(log, err, "Failed to run command")
			code = 1
		}
	} else {
		log.Info().Msg("No command given, profiling until interrupted")
		<-ctx.Done()
	}

	if err := prof.Stop(context.Background()); err != nil {
		logError(log, err, "Failed to stop profiler")
		if code == 0 {
			code = 1
		}
	}

	return code
}

func profilerConfig(cfg *config.Config) profiler.Config {
	return profiler.Config{
		QueueCapacity:   cfg.QueueCapacity,
		OverflowPolicy:  cfg.Policy(),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Writer: writer.Config{
			OutputPath:    cfg.OutputPath,
			Compression:   cfg.CompressionMode(),
			DrainInterval: cfg.DrainInterval,
		},
		Activity: activity.Config{
			BufferSize: cfg.ActivityBufferSize,
		},
		Device: device.Config{
			PollInterval: cfg.PollInterval,
			PCIe:         cfg.PCIe,
		},
	}
}

// buildSources returns the enabled sources and a release function that shuts
// down whatever was initialized.
func buildSources(cfg *config.Config, log logger.Logger) (profiler.Sources, func(), error) {
	var src profiler.Sources
	release := func() {}

	if !cfg.NoActivity {
		act, err := activitySource(cfg, log)
		if err != nil {
			return src, release, err
		}
		src.Activity = act
	}

	if !cfg.NoDeviceMonitor {
		nvmlSource := device.NewNVMLSource()
		if err := nvmlSource.Initialize(); err != nil {
			return src, release, err
		}
		src.Device = nvmlSource
		release = func() {
			if err := nvmlSource.Shutdown(); err != nil {
				log.Error().Err(err).Msg("Failed to shut down NVML")
			}
		}
	}

	return src, release, nil
}

func handleSignals(cancel context.CancelFunc, log logger.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info().Str("signal", sig.String()).Msg("Received termination signal")
	cancel()
}

func fatal(log logger.Logger, err error, msg string) {
	var coded errors.Error
	if errors.As(err, &coded) {
		log.FatalWithCode(coded).Msg(msg)
		return
	}
	log.Fatal().Err(err).Msg(msg)
}

func logError(log logger.Logger, err error, msg string) {
	var coded errors.Error
	if errors.As(err, &coded) {
		log.ErrorWithCode(coded).Msg(msg)
		return
	}
	log.Error().Err(err).Msg(msg)
}
