// Package config loads the profiler settings from flags, OPENVPROF_*
// environment variables and an optional TOML file, in that order of
// precedence.
package config

import (
	"strings"
	"time"

	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/logger"
	"codeberg.org/mutker/openvprof/internal/queue"
	"codeberg.org/mutker/openvprof/internal/sink"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix          = "OPENVPROF"
	DefaultLogLevel           = "warn"
	DefaultOutputPath         = "openvprof.json"
	DefaultCompression        = "auto"
	DefaultQueueCapacity      = queue.DefaultCapacity
	DefaultOverflowPolicy     = "reject-new"
	DefaultPollInterval       = 50 * time.Millisecond
	DefaultDrainInterval      = 100 * time.Millisecond
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultActivityBufferSize = 32 * 1024

	minActivityBufferSize = 1024
)

type Config struct {
	ConfigFile         string
	LogLevel           string
	OutputPath         string
	Compression        string
	QueueCapacity      int
	OverflowPolicy     string
	PollInterval       time.Duration
	DrainInterval      time.Duration
	ShutdownTimeout    time.Duration
	ActivityBufferSize int
	ActivityReplay     string
	NoActivity         bool
	NoDeviceMonitor    bool
	PCIe               bool

	// Command is the child command and its arguments.
	Command []string
}

// Load parses args (without the program name), merges environment
// variables and the config file, and validates the result. Parsing stops at
// the first positional argument, which starts the child command.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(ErrInvalidConfig, err)
		}
	}

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(ErrParseFlags, err)
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errFactory.Wrap(ErrBindFlags, err)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	configPath := o.configPath
	if configPath == "" {
		configPath = v.GetString("config")
	}

	v.SetConfigType("toml")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(ErrReadConfig, err)
		}
	} else {
		v.SetConfigName("openvprof")
		v.AddConfigPath("/etc")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errFactory.Wrap(ErrReadConfig, err)
			}
		}
	}

	cfg := &Config{
		ConfigFile:         v.ConfigFileUsed(),
		LogLevel:           v.GetString("log-level"),
		OutputPath:         v.GetString("output-path"),
		Compression:        v.GetString("compression"),
		QueueCapacity:      v.GetInt("queue-capacity"),
		OverflowPolicy:     v.GetString("overflow-policy"),
		PollInterval:       v.GetDuration("poll-interval"),
		DrainInterval:      v.GetDuration("drain-interval"),
		ShutdownTimeout:    v.GetDuration("shutdown-timeout"),
		ActivityBufferSize: v.GetInt("activity-buffer-size"),
		ActivityReplay:     v.GetString("activity-replay"),
		NoActivity:         v.GetBool("no-activity"),
		NoDeviceMonitor:    v.GetBool("no-device-monitor"),
		PCIe:               v.GetBool("pcie"),
		Command:            fs.Args(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("openvprof", pflag.ContinueOnError)
	fs.SetInterspersed(false)

	fs.String("config", "", "Path to a TOML config file")
	fs.String("log-level", DefaultLogLevel, "Log level: "+strings.Join(logger.LevelNames, ", "))
	fs.StringP("output-path", "o", DefaultOutputPath, "Trace output path")
	fs.String("compression", DefaultCompression, "Trace compression: auto, none, lz4, zstd")
	fs.Int("queue-capacity", DefaultQueueCapacity, "Event queue capacity")
	fs.String("overflow-policy", DefaultOverflowPolicy, "Full queue policy: reject-new, evict-oldest")
	fs.Duration("poll-interval", DefaultPollInterval, "Device monitor poll interval")
	fs.Duration("drain-interval", DefaultDrainInterval, "Writer drain interval")
	fs.Duration("shutdown-timeout", DefaultShutdownTimeout, "Maximum time to wait for teardown")
	fs.Int("activity-buffer-size", DefaultActivityBufferSize, "Activity buffer size in bytes")
	fs.String("activity-replay", "", "Replay a packed activity file instead of CUPTI")
	fs.Bool("no-activity", false, "Disable activity collection")
	fs.Bool("no-device-monitor", false, "Disable the device monitor")
	fs.Bool("pcie", false, "Sample PCIe throughput")

	return fs
}

// Validate checks ranges and enumerated values. The log level is not
// validated here; an unknown level falls back to the default with a
// warning at startup.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.OutputPath == "" {
		return errFactory.WithData(ErrInvalidConfig, "output-path is empty")
	}
	if c.QueueCapacity < 1 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value int
		}{"queue-capacity", c.QueueCapacity})
	}
	if c.ActivityBufferSize < minActivityBufferSize {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value int
		}{"activity-buffer-size", c.ActivityBufferSize})
	}

	for name, d := range map[string]time.Duration{
		"poll-interval":    c.PollInterval,
		"drain-interval":   c.DrainInterval,
		"shutdown-timeout": c.ShutdownTimeout,
	} {
		if d <= 0 {
			return errFactory.WithData(ErrInvalidInterval, struct {
				Field string
				Value string
			}{name, d.String()})
		}
	}

	if _, err := sink.ParseCompression(c.Compression); err != nil {
		return errFactory.Wrap(ErrInvalidConfig, err)
	}
	if _, err := queue.ParseOverflowPolicy(c.OverflowPolicy); err != nil {
		return errFactory.Wrap(ErrInvalidConfig, err)
	}

	return nil
}

// Level returns the parsed log level and whether the configured name was
// recognized.
func (c *Config) Level() (logger.Level, bool) {
	return logger.ParseLevel(c.LogLevel)
}

// CompressionMode returns the parsed compression. Validate has checked it.
func (c *Config) CompressionMode() sink.Compression {
	comp, _ := sink.ParseCompression(c.Compression)
	return comp
}

// Policy returns the parsed overflow policy. Validate has checked it.
func (c *Config) Policy() queue.OverflowPolicy {
	p, _ := queue.ParseOverflowPolicy(c.OverflowPolicy)
	return p
}
