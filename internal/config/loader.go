package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "CRASHWARDEN",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (CRASHWARDEN_*)
// 3. Project config (.crashwarden.yaml in current directory)
// 4. User config ($XDG_CONFIG_HOME/crashwarden/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".crashwarden")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath(UserConfigDir())
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.Crash.Dir == "" {
		cfg.Crash.Dir = DefaultCrashDir()
	}
	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("server.addr", "127.0.0.1:8484")
	l.v.SetDefault("server.cors_origins", []string{})
	l.v.SetDefault("server.shutdown_timeout", "15s")

	l.v.SetDefault("crash.enabled", true)
	l.v.SetDefault("crash.dir", "")
	l.v.SetDefault("crash.max_files", 20)
	l.v.SetDefault("crash.ack_timeout", "5s")
	l.v.SetDefault("crash.finalize_timeout", "3s")
	l.v.SetDefault("crash.stack_window", 32*1024)
	l.v.SetDefault("crash.traceback", "all")

	l.v.SetDefault("symbols.debug_dirs", []string{"/usr/lib/debug"})
	l.v.SetDefault("symbols.use_module_path", true)

	l.v.SetDefault("threaddump.per_thread_timeout", "250ms")
	l.v.SetDefault("threaddump.concurrency", 4)
	l.v.SetDefault("threaddump.max_frames", 128)

	l.v.SetDefault("diagnostics.provider_timeout", "10s")
	l.v.SetDefault("diagnostics.allocator_stats", true)

	l.v.SetDefault("resources.interval", "30s")
	l.v.SetDefault("resources.fd_threshold_percent", 80)
	l.v.SetDefault("resources.goroutine_threshold", 10000)
	l.v.SetDefault("resources.memory_threshold_mb", 4096)
	l.v.SetDefault("resources.history_size", 120)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}
