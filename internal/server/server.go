// Package server assembles the diagnostics subsystem around one running
// process: crash capture, the artifact store, symbolication, live thread
// dumps, the diagnostic registry, health, metrics and the admin API.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/api"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/config"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/crash"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/diagnostic"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/health"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/logging"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/monitor"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/procmetrics"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/store"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbolicate"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbols"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/threaddump"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/threads"
)

// MonitorCommand is the hidden subcommand that runs the crash monitor.
const MonitorCommand = "monitor"

// Options configures New.
type Options struct {
	Config *config.Config
	// Loader, when set, is watched for changes to refreshable settings.
	Loader  *config.Loader
	Version string
	Logger  *logging.Logger

	// Executable and MonitorEnv override how the monitor is launched.
	// By default it is this executable with the current environment.
	Executable string
	MonitorEnv []string
}

// Server is the assembled subsystem.
type Server struct {
	cfg       *config.Config
	logger    *logging.Logger
	live      *config.Live
	store     *store.Store
	pipeline  *symbolicate.Pipeline
	session   *crash.Session
	resources *procmetrics.ResourceMonitor
	metrics   *procmetrics.Metrics
	registry  *diagnostic.Registry
	health    *health.Registry
	api       *api.Server
	guard     func()

	captureErr error
}

// New builds every component and starts the crash monitor. Failure to
// start crash capture is not fatal: the server runs without it and the
// MINIDUMP health check reports why.
func New(ctx context.Context, opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("server: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.WithComponent("server"),
		live:   config.NewLive(cfg),
	}

	crashDir := cfg.Crash.Dir
	if crashDir == "" {
		crashDir = config.DefaultCrashDir()
	}

	s.resources = procmetrics.NewResourceMonitor(
		cfg.Resources.Interval,
		procmetrics.Thresholds{
			FDPercent:  cfg.Resources.FDThresholdPercent,
			Goroutines: cfg.Resources.GoroutineThreshold,
			MemoryMB:   cfg.Resources.MemoryThresholdMB,
		},
		cfg.Resources.HistorySize,
		time.Now(),
		logger.Logger,
	)
	metrics, err := procmetrics.NewMetrics(s.resources, procmetrics.NewSystemCollector(crashDir))
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	s.metrics = metrics

	resolver := symbols.NewResolver(logger.Logger, SymbolSources(cfg.Symbols)...)

	if cfg.Crash.Enabled {
		st, err := store.Open(crashDir, cfg.Crash.MaxFiles, logger.Logger)
		if err != nil {
			return nil, fmt.Errorf("opening crash store: %w", err)
		}
		s.store = st
		s.pipeline = symbolicate.New(st, resolver, cfg.ThreadDump.MaxFrames, logger)
		s.reportPrevious(ctx)
		s.startCapture(ctx, opts, crashDir)
	} else {
		s.captureErr = errors.New("crash capture is disabled by configuration")
	}

	s.guard = crash.NewGuard(s.Handler(), metrics.Panics)
	s.resources.SetGuard(s.guard)

	var insp threads.Inspector = threads.Unsupported{}
	if s.session != nil {
		insp = s.session.Inspector
	}
	dumper := threaddump.New(insp, resolver, threaddump.Options{
		PerThreadTimeout: cfg.ThreadDump.PerThreadTimeout,
		Concurrency:      cfg.ThreadDump.Concurrency,
		MaxFrames:        cfg.ThreadDump.MaxFrames,
		StackWindow:      cfg.Crash.StackWindow,
	}, logger)

	s.registry = diagnostic.NewRegistry(s.live.ProviderTimeout, logger)
	s.registry.Register(diagnostic.MetricCatalog{Gatherer: metrics.Registry})
	s.registry.Register(diagnostic.AllocatorStats{Enabled: s.live.AllocatorStatsEnabled})
	s.registry.Register(diagnostic.ThreadDump{Dumper: dumper})

	var crashes *diagnostic.Crashes
	if s.store != nil {
		crashes = diagnostic.NewCrashes(s.store, s.pipeline, s.live.ProviderTimeout, logger)
	}

	s.health, err = health.NewRegistry(metrics.Registry)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("registering health checks: %w", err)
	}
	s.health.Register(health.MinidumpCheck{Status: s.captureStatus})
	s.health.Register(health.ResourcesCheck{Monitor: s.resources})
	s.health.Register(&health.PanicsCheck{Count: metrics.PanicCount})
	s.health.Register(health.ConfigReloadCheck{Err: s.live.ReloadError})

	s.api = api.NewServer(s.registry, crashes,
		api.WithLogger(logger.WithComponent("api").Logger),
		api.WithHealth(s.health),
		api.WithMetrics(metrics.Handler()),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
		api.WithGuard(s.guard),
	)

	if opts.Loader != nil {
		opts.Loader.Watch(s.live, logger.Logger, s.guard)
	}
	return s, nil
}

// SymbolSources lists the debug-information sources cfg enables.
func SymbolSources(cfg config.SymbolsConfig) []symbols.Source {
	var sources []symbols.Source
	if len(cfg.DebugDirs) > 0 {
		sources = append(sources, symbols.DirSource{Dirs: cfg.DebugDirs})
	}
	if cfg.UseModulePath {
		sources = append(sources, symbols.ModulePathSource{})
	}
	return sources
}

// reportPrevious logs crashes from earlier runs. It never blocks startup
// on failure.
func (s *Server) reportPrevious(ctx context.Context) {
	n, err := s.pipeline.ReportNewest(ctx)
	if err != nil {
		s.logger.Warn("reporting previous crashes failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("previous crashes reported", "count", n, "dir", s.store.Dir())
	}
}

func (s *Server) startCapture(ctx context.Context, opts Options, crashDir string) {
	settings := monitor.FromConfig(s.cfg, os.Getpid(), opts.Version)
	settings.CrashDir = crashDir
	session, err := crash.Start(ctx, crash.Options{
		Executable:  opts.Executable,
		MonitorArgs: append([]string{MonitorCommand}, settings.Args()...),
		Env:         opts.MonitorEnv,
		AckTimeout:  s.cfg.Crash.AckTimeout,
		Traceback:   s.cfg.Crash.Traceback,
		Panics:      s.metrics.Panics,
		Logger:      s.logger.Logger,
	})
	if err != nil {
		s.captureErr = err
		s.logger.Error("crash capture unavailable", "error", err)
		return
	}
	s.session = session
}

func (s *Server) captureStatus() (bool, string) {
	if s.session == nil {
		if s.captureErr != nil {
			return false, s.captureErr.Error()
		}
		return false, "crash capture was not initialized"
	}
	if !s.session.Alive() {
		return false, "crash monitor exited"
	}
	return true, ""
}

// Handler is the crash handler, or nil when crash capture is not
// running.
func (s *Server) Handler() *crash.Handler {
	if s.session == nil {
		return nil
	}
	return s.session.Handler
}

// Guard returns the function goroutines the process owns defer at their
// top. It counts panics in process_panics_total, notifies the crash
// monitor when one runs, and re-panics.
//
//	go func() {
//		defer guard()
//		...
//	}()
func (s *Server) Guard() func() {
	return s.guard
}

// API returns the admin HTTP server.
func (s *Server) API() *api.Server {
	return s.api
}

// Registry returns the diagnostic registry.
func (s *Server) Registry() *diagnostic.Registry {
	return s.registry
}

// Store returns the crash store, or nil when crash capture is disabled.
func (s *Server) Store() *store.Store {
	return s.store
}

// Run samples resources and serves the admin API on the configured
// address until ctx ends, then stops crash capture.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()
	s.resources.Start(ctx)
	defer s.resources.Stop()
	return s.api.ListenAndServe(ctx, s.cfg.Server.Addr, s.cfg.Server.ShutdownTimeout)
}

// Close stops the crash monitor without producing an artifact. It is
// safe to call more than once.
func (s *Server) Close() error {
	if s.session == nil {
		return nil
	}
	return s.session.Close()
}
