package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// Validate validates the entire configuration. The returned error is a
// validation DomainError wrapping ValidationErrors.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateServer(&cfg.Server)
	v.validateCrash(&cfg.Crash)
	v.validateSymbols(&cfg.Symbols)
	v.validateThreadDump(&cfg.ThreadDump)
	v.validateDiagnostics(&cfg.Diagnostics)
	v.validateResources(&cfg.Resources)

	if v.errors.HasErrors() {
		return core.ErrValidation(core.CodeInvalidConfig, "invalid configuration").WithCause(v.errors)
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: msg})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}
	switch cfg.Format {
	case "auto", "text", "json":
	default:
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Addr == "" {
		v.addError("server.addr", cfg.Addr, "required")
	}
	v.positiveDuration("server.shutdown_timeout", cfg.ShutdownTimeout)
}

func (v *Validator) validateCrash(cfg *CrashConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Dir == "" || filepath.Clean(cfg.Dir) != cfg.Dir && strings.Contains(cfg.Dir, "..") {
		v.addError("crash.dir", cfg.Dir, "must be a clean directory path")
	}
	if cfg.MaxFiles < 0 {
		v.addError("crash.max_files", cfg.MaxFiles, "must be >= 0")
	}
	v.positiveDuration("crash.ack_timeout", cfg.AckTimeout)
	v.positiveDuration("crash.finalize_timeout", cfg.FinalizeTimeout)
	if cfg.StackWindow < 4096 || cfg.StackWindow > 1<<20 {
		v.addError("crash.stack_window", cfg.StackWindow, "must be between 4096 and 1048576")
	}
	switch cfg.Traceback {
	case "none", "single", "all", "system", "crash":
	default:
		v.addError("crash.traceback", cfg.Traceback, "must be one of: none, single, all, system, crash")
	}
}

func (v *Validator) validateSymbols(cfg *SymbolsConfig) {
	for i, dir := range cfg.DebugDirs {
		if dir == "" {
			v.addError(fmt.Sprintf("symbols.debug_dirs[%d]", i), dir, "must not be empty")
		}
	}
}

func (v *Validator) validateThreadDump(cfg *ThreadDumpConfig) {
	v.positiveDuration("threaddump.per_thread_timeout", cfg.PerThreadTimeout)
	if cfg.Concurrency < 1 {
		v.addError("threaddump.concurrency", cfg.Concurrency, "must be >= 1")
	}
	if cfg.MaxFrames < 1 {
		v.addError("threaddump.max_frames", cfg.MaxFrames, "must be >= 1")
	}
}

func (v *Validator) validateDiagnostics(cfg *DiagnosticsConfig) {
	v.positiveDuration("diagnostics.provider_timeout", cfg.ProviderTimeout)
}

func (v *Validator) validateResources(cfg *ResourcesConfig) {
	v.positiveDuration("resources.interval", cfg.Interval)
	if cfg.FDThresholdPercent < 1 || cfg.FDThresholdPercent > 100 {
		v.addError("resources.fd_threshold_percent", cfg.FDThresholdPercent, "must be between 1 and 100")
	}
	if cfg.HistorySize < 1 {
		v.addError("resources.history_size", cfg.HistorySize, "must be >= 1")
	}
}

func (v *Validator) positiveDuration(field string, d time.Duration) {
	if d <= 0 {
		v.addError(field, d, "must be a positive duration")
	}
}
