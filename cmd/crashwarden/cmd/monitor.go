package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/logging"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/monitor"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/server"
)

var monitorSettings monitor.Settings

// monitorCmd is started by serve; it is not meant to be run by hand. It
// takes all its settings from flags and never reads config files.
var monitorCmd = &cobra.Command{
	Use:    server.MonitorCommand,
	Short:  "Run the crash monitor for a server process",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitor.BindFlags(monitorCmd.Flags(), &monitorSettings)
}

func runMonitor(_ *cobra.Command, _ []string) error {
	logger := logging.New(logging.Config{
		Level:  monitorSettings.LogLevel,
		Format: monitorSettings.LogFormat,
		Output: os.Stderr,
	})
	// The monitor must outlive a ^C aimed at the server so it can
	// still capture a crash during shutdown; it exits on peer close.
	signal.Ignore(os.Interrupt, syscall.SIGTERM)
	return monitor.Main(context.Background(), monitorSettings, logger)
}
