package config

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Live holds the settings that may change without a restart. Readers on
// request paths load them atomically.
type Live struct {
	allocatorStats  atomic.Bool
	providerTimeout atomic.Int64
	reloadErr       atomic.Pointer[error]
}

// NewLive seeds live settings from a loaded config.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.Apply(cfg)
	return l
}

// Apply copies the refreshable fields of cfg.
func (l *Live) Apply(cfg *Config) {
	l.allocatorStats.Store(cfg.Diagnostics.AllocatorStats)
	l.providerTimeout.Store(int64(cfg.Diagnostics.ProviderTimeout))
}

// AllocatorStatsEnabled reports whether the allocator stats provider is on.
func (l *Live) AllocatorStatsEnabled() bool {
	return l.allocatorStats.Load()
}

// ProviderTimeout is the per-call bound for diagnostic providers.
func (l *Live) ProviderTimeout() time.Duration {
	return time.Duration(l.providerTimeout.Load())
}

// ReloadError is the error of the last reload attempt, or nil when it
// succeeded or none was made.
func (l *Live) ReloadError() error {
	if p := l.reloadErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *Live) setReloadError(err error) {
	if err == nil {
		l.reloadErr.Store(nil)
		return
	}
	l.reloadErr.Store(&err)
}

// Watch re-reads the config file on change and applies refreshable fields
// to live. Invalid configs are logged, recorded in live and ignored. Only
// settings in Live take effect; everything else requires a restart.
// guard, when non-nil, is deferred in the change callback.
func (l *Loader) Watch(live *Live, logger *slog.Logger, guard func()) {
	if guard == nil {
		guard = func() {}
	}
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		defer guard()
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.reload(live, e.Name, logger)
	})
	l.v.WatchConfig()
}

// reload applies the current config to live and records the outcome.
func (l *Loader) reload(live *Live, file string, logger *slog.Logger) {
	cfg, err := l.unmarshal()
	if err != nil {
		live.setReloadError(fmt.Errorf("reading %s: %w", file, err))
		logger.Warn("config reload failed", "file", file, "error", err)
		return
	}
	if err := NewValidator().Validate(cfg); err != nil {
		live.setReloadError(err)
		logger.Warn("config reload rejected", "file", file, "error", err)
		return
	}
	live.setReloadError(nil)
	live.Apply(cfg)
	logger.Info("config reloaded",
		"file", file,
		"allocator_stats", cfg.Diagnostics.AllocatorStats,
		"provider_timeout", cfg.Diagnostics.ProviderTimeout)
}
