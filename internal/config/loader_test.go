package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoader_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "auto", cfg.Log.Format)
	assert.True(t, cfg.Crash.Enabled)
	assert.Equal(t, DefaultCrashDir(), cfg.Crash.Dir)
	assert.Equal(t, 5*time.Second, cfg.Crash.AckTimeout)
	assert.Equal(t, 3*time.Second, cfg.Crash.FinalizeTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.ThreadDump.PerThreadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Diagnostics.ProviderTimeout)
	assert.True(t, cfg.Diagnostics.AllocatorStats)
	assert.Equal(t, []string{"/usr/lib/debug"}, cfg.Symbols.DebugDirs)

	require.NoError(t, NewValidator().Validate(cfg))
}

func TestLoader_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
crash:
  dir: /var/lib/app/crashes
  ack_timeout: 750ms
diagnostics:
  allocator_stats: false
symbols:
  debug_dirs: [/opt/symbols]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/app/crashes", cfg.Crash.Dir)
	assert.Equal(t, 750*time.Millisecond, cfg.Crash.AckTimeout)
	assert.False(t, cfg.Diagnostics.AllocatorStats)
	assert.Equal(t, []string{"/opt/symbols"}, cfg.Symbols.DebugDirs)
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CRASHWARDEN_CRASH_MAX_FILES", "3")
	t.Setenv("CRASHWARDEN_LOG_LEVEL", "debug")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Crash.MaxFiles)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crash: [unterminated"), 0o600))

	_, err := NewLoader().WithConfigFile(path).Load()
	require.Error(t, err)
}

func TestValidator(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := NewLoader().Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"zero ack timeout", func(c *Config) { c.Crash.AckTimeout = 0 }, "crash.ack_timeout"},
		{"tiny stack window", func(c *Config) { c.Crash.StackWindow = 16 }, "crash.stack_window"},
		{"bad traceback", func(c *Config) { c.Crash.Traceback = "verbose" }, "crash.traceback"},
		{"no workers", func(c *Config) { c.ThreadDump.Concurrency = 0 }, "threaddump.concurrency"},
		{"fd percent", func(c *Config) { c.Resources.FDThresholdPercent = 150 }, "resources.fd_threshold_percent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			v := NewValidator()
			err := v.Validate(&cfg)
			require.Error(t, err)
			assert.True(t, core.IsCategory(err, core.ErrCatValidation))
			require.Len(t, v.Errors(), 1)
			assert.Equal(t, tt.field, v.Errors()[0].Field)
		})
	}
}

func TestValidator_DisabledCrashSkipsCrashFields(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	cfg.Crash.Enabled = false
	cfg.Crash.AckTimeout = 0
	assert.NoError(t, NewValidator().Validate(cfg))
}

func TestLive_Apply(t *testing.T) {
	cfg := &Config{Diagnostics: DiagnosticsConfig{AllocatorStats: true, ProviderTimeout: time.Second}}
	live := NewLive(cfg)
	assert.True(t, live.AllocatorStatsEnabled())
	assert.Equal(t, time.Second, live.ProviderTimeout())

	cfg.Diagnostics.AllocatorStats = false
	cfg.Diagnostics.ProviderTimeout = 2 * time.Second
	live.Apply(cfg)
	assert.False(t, live.AllocatorStatsEnabled())
	assert.Equal(t, 2*time.Second, live.ProviderTimeout())
}

func TestLoader_ReloadRecordsFailures(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write := func(content string) {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	write("diagnostics:\n  provider_timeout: 2s\n")

	l := NewLoader().WithConfigFile(path)
	cfg, err := l.Load()
	require.NoError(t, err)
	live := NewLive(cfg)
	assert.NoError(t, live.ReloadError())

	write("diagnostics:\n  provider_timeout: -1s\n")
	require.NoError(t, l.v.ReadInConfig())
	l.reload(live, path, quietLogger())
	err = live.ReloadError()
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
	assert.Equal(t, 2*time.Second, live.ProviderTimeout(), "rejected config must not apply")

	write("diagnostics:\n  provider_timeout: 3s\n  allocator_stats: false\n")
	require.NoError(t, l.v.ReadInConfig())
	l.reload(live, path, quietLogger())
	assert.NoError(t, live.ReloadError())
	assert.Equal(t, 3*time.Second, live.ProviderTimeout())
	assert.False(t, live.AllocatorStatsEnabled())
}
