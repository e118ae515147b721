package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const appName = "crashwarden"

// Config holds all application configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Server      ServerConfig      `mapstructure:"server"`
	Crash       CrashConfig       `mapstructure:"crash"`
	Symbols     SymbolsConfig     `mapstructure:"symbols"`
	ThreadDump  ThreadDumpConfig  `mapstructure:"threaddump"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Resources   ResourcesConfig   `mapstructure:"resources"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig configures the admin HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CrashConfig configures the crash handler, monitor and artifact store.
type CrashConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	// MaxFiles bounds the number of retained artifacts. Zero keeps all.
	MaxFiles int `mapstructure:"max_files"`
	// AckTimeout bounds how long a faulting process waits for the monitor
	// before falling through to default crash handling.
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	// FinalizeTimeout bounds how long the monitor waits for runtime crash
	// output and process exit after acknowledging a notification.
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout"`
	// StackWindow is the number of stack bytes captured per thread.
	StackWindow int    `mapstructure:"stack_window"`
	Traceback   string `mapstructure:"traceback"`
}

// SymbolsConfig configures debug-information sources.
type SymbolsConfig struct {
	DebugDirs     []string `mapstructure:"debug_dirs"`
	UseModulePath bool     `mapstructure:"use_module_path"`
}

// ThreadDumpConfig configures live thread sampling.
type ThreadDumpConfig struct {
	PerThreadTimeout time.Duration `mapstructure:"per_thread_timeout"`
	Concurrency      int           `mapstructure:"concurrency"`
	MaxFrames        int           `mapstructure:"max_frames"`
}

// DiagnosticsConfig configures the diagnostic registry.
type DiagnosticsConfig struct {
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	AllocatorStats  bool          `mapstructure:"allocator_stats"`
}

// ResourcesConfig configures the process resource monitor.
type ResourcesConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	FDThresholdPercent int           `mapstructure:"fd_threshold_percent"`
	GoroutineThreshold int           `mapstructure:"goroutine_threshold"`
	MemoryThresholdMB  int           `mapstructure:"memory_threshold_mb"`
	HistorySize        int           `mapstructure:"history_size"`
}

// DefaultCrashDir is the artifact directory used when crash.dir is unset.
//
//	Linux:   $XDG_STATE_HOME/crashwarden/crashes or ~/.local/state/crashwarden/crashes
//	macOS:   ~/Library/Application Support/crashwarden/crashes
func DefaultCrashDir() string {
	return filepath.Join(xdg.StateHome, appName, "crashes")
}

// UserConfigDir is searched for config.yaml after the working directory.
func UserConfigDir() string {
	return filepath.Join(xdg.ConfigHome, appName)
}
