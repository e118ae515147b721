package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server with crash capture and the admin API",
	Long: `Start the server. A crash monitor process is launched alongside it and
the admin API serves health, metrics, diagnostics and stored crash reports.

Examples:
  # Start with defaults (127.0.0.1:8484)
  crashwarden serve

  # Listen elsewhere and keep artifacts in a custom directory
  crashwarden serve --addr 0.0.0.0:9000 --crash-dir /var/lib/app/crashes

  # Run without crash capture
  crashwarden serve --crash=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:8484", "admin API listen address")
	serveCmd.Flags().String("crash-dir", "", "crash artifact directory")
	serveCmd.Flags().Bool("crash", true, "enable crash capture")
	serveCmd.Flags().StringSlice("cors-origin", nil, "allowed CORS origins for the admin API")

	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("crash.dir", serveCmd.Flags().Lookup("crash-dir"))
	_ = viper.BindPFlag("crash.enabled", serveCmd.Flags().Lookup("crash"))
	_ = viper.BindPFlag("server.cors_origins", serveCmd.Flags().Lookup("cors-origin"))
}

func runServe(_ *cobra.Command, _ []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, server.Options{
		Config:  cfg,
		Loader:  loader,
		Version: appVersion,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	logger.Info("server started",
		"addr", cfg.Server.Addr,
		"crash_capture", srv.Handler() != nil,
		"config_file", loader.ConfigFile(),
	)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
