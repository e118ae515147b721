package monitor

import (
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/config"
)

// Settings is everything the monitor process needs. The server passes
// them on the command line so the monitor never reads config files.
type Settings struct {
	PID             int
	CrashDir        string
	MaxFiles        int
	AckTimeout      time.Duration
	FinalizeTimeout time.Duration
	StackWindow     int
	SampleTimeout   time.Duration
	LogLevel        string
	LogFormat       string
	Version         string
}

// FromConfig derives monitor settings for the server with pid.
func FromConfig(cfg *config.Config, pid int, version string) Settings {
	dir := cfg.Crash.Dir
	if dir == "" {
		dir = config.DefaultCrashDir()
	}
	return Settings{
		PID:             pid,
		CrashDir:        dir,
		MaxFiles:        cfg.Crash.MaxFiles,
		AckTimeout:      cfg.Crash.AckTimeout,
		FinalizeTimeout: cfg.Crash.FinalizeTimeout,
		StackWindow:     cfg.Crash.StackWindow,
		SampleTimeout:   cfg.ThreadDump.PerThreadTimeout,
		LogLevel:        cfg.Log.Level,
		LogFormat:       cfg.Log.Format,
		Version:         version,
	}
}

// BindFlags registers the monitor flags on fs, writing into s.
func BindFlags(fs *pflag.FlagSet, s *Settings) {
	fs.IntVar(&s.PID, "pid", 0, "process to monitor (default: parent)")
	fs.StringVar(&s.CrashDir, "crash-dir", "", "artifact directory")
	fs.IntVar(&s.MaxFiles, "max-files", 20, "artifacts to retain, 0 keeps all")
	fs.DurationVar(&s.AckTimeout, "ack-timeout", 5*time.Second, "how long the server waits for an acknowledgment")
	fs.DurationVar(&s.FinalizeTimeout, "finalize-timeout", 3*time.Second, "how long to wait for crash output after a notification")
	fs.IntVar(&s.StackWindow, "stack-window", 32*1024, "stack bytes captured per thread")
	fs.DurationVar(&s.SampleTimeout, "sample-timeout", 250*time.Millisecond, "how long to wait for one thread to stop")
	fs.StringVar(&s.LogLevel, "log-level", "info", "log level")
	fs.StringVar(&s.LogFormat, "log-format", "auto", "log format")
	fs.StringVar(&s.Version, "server-version", "", "version recorded in artifacts")
}

// Args renders s as the flags understood by BindFlags.
func (s Settings) Args() []string {
	return []string{
		"--pid=" + strconv.Itoa(s.PID),
		"--crash-dir=" + s.CrashDir,
		"--max-files=" + strconv.Itoa(s.MaxFiles),
		"--ack-timeout=" + s.AckTimeout.String(),
		"--finalize-timeout=" + s.FinalizeTimeout.String(),
		"--stack-window=" + strconv.Itoa(s.StackWindow),
		"--sample-timeout=" + s.SampleTimeout.String(),
		"--log-level=" + s.LogLevel,
		"--log-format=" + s.LogFormat,
		"--server-version=" + s.Version,
	}
}

func (s Settings) captureTimeout() time.Duration {
	if s.AckTimeout <= 0 {
		return 4 * time.Second
	}
	// Leave the handler time to read the acknowledgment.
	return s.AckTimeout * 4 / 5
}
