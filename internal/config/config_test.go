package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/openvprof/internal/config"
	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/logger"
	"codeberg.org/mutker/openvprof/internal/queue"
	"codeberg.org/mutker/openvprof/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "openvprof.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENVPROF_CONFIG", "")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, "openvprof.json", cfg.OutputPath)
	assert.Equal(t, 128, cfg.QueueCapacity)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.DrainInterval)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 32*1024, cfg.ActivityBufferSize)
	assert.Equal(t, queue.RejectNew, cfg.Policy())
	assert.Equal(t, sink.CompressionAuto, cfg.CompressionMode())
	assert.Empty(t, cfg.Command)

	level, ok := cfg.Level()
	assert.True(t, ok)
	assert.Equal(t, logger.WarnLevel, level)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
log-level = "debug"
output-path = "/tmp/trace.json.lz4"
queue-capacity = 512
overflow-policy = "evict-oldest"
poll-interval = "20ms"
no-activity = true
`)
	t.Setenv("OPENVPROF_CONFIG", path)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/trace.json.lz4", cfg.OutputPath)
	assert.Equal(t, 512, cfg.QueueCapacity)
	assert.Equal(t, queue.EvictOldest, cfg.Policy())
	assert.Equal(t, 20*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.NoActivity)
}

func TestPrecedence(t *testing.T) {
	path := writeConfig(t, `
log-level = "debug"
output-path = "from-file.json"
queue-capacity = 256
`)
	t.Setenv("OPENVPROF_OUTPUT_PATH", "from-env.json")
	t.Setenv("OPENVPROF_LOG_LEVEL", "info")

	cfg, err := config.Load([]string{"--log-level", "trace"}, config.WithConfigFile(path))
	require.NoError(t, err)

	assert.Equal(t, "trace", cfg.LogLevel, "flag wins over env and file")
	assert.Equal(t, "from-env.json", cfg.OutputPath, "env wins over file")
	assert.Equal(t, 256, cfg.QueueCapacity, "file wins over default")
}

func TestCommandAfterFlags(t *testing.T) {
	t.Setenv("OPENVPROF_CONFIG", "")

	cfg, err := config.Load([]string{"-o", "out.json", "--", "./app", "--iterations", "3"})
	require.NoError(t, err)

	assert.Equal(t, "out.json", cfg.OutputPath)
	assert.Equal(t, []string{"./app", "--iterations", "3"}, cfg.Command)

	cfg, err = config.Load([]string{"./app", "-o", "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"./app", "-o", "x"}, cfg.Command, "flags after the command belong to it")
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	path := writeConfig(t, `
This is not a valid TOML file
`)

	_, err := config.Load(nil, config.WithConfigFile(path))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, config.ErrReadConfig))
}

func TestUnknownLogLevelIsNotAnError(t *testing.T) {
	t.Setenv("OPENVPROF_CONFIG", "")
	t.Setenv("OPENVPROF_LOG_LEVEL", "verbose")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	level, ok := cfg.Level()
	assert.False(t, ok)
	assert.Equal(t, logger.DefaultLevel, level)
}

func TestValidate(t *testing.T) {
	t.Setenv("OPENVPROF_CONFIG", "")

	tests := []struct {
		name string
		args []string
		code errors.ErrorCode
	}{
		{"zero capacity", []string{"--queue-capacity", "0"}, config.ErrInvalidConfig},
		{"bad policy", []string{"--overflow-policy", "block"}, config.ErrInvalidConfig},
		{"bad compression", []string{"--compression", "gzip"}, config.ErrInvalidConfig},
		{"small buffer", []string{"--activity-buffer-size", "16"}, config.ErrInvalidConfig},
		{"zero poll interval", []string{"--poll-interval", "0s"}, config.ErrInvalidInterval},
		{"negative drain interval", []string{"--drain-interval", "-1s"}, config.ErrInvalidInterval},
		{"unknown flag", []string{"--temperature", "80"}, config.ErrParseFlags},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(tt.args)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), err.Error())
		})
	}
}
