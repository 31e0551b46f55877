// Command relayd is the relay coordination daemon.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drewfead/relay/internal/config"
	"github.com/drewfead/relay/internal/daemon"
	"github.com/drewfead/relay/internal/logging"
)

// Version is set at build time
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "Coordination daemon for interactive agent sessions",
	Long: `relayd maintains the shared agent state document, reconciles
session identity, watches for newly assigned tasks, and delivers
instructions into agent session windows.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:     parseLogLevel(cfg.Daemon.LogLevel),
		Service:   "relayd",
		SentryDSN: cfg.Daemon.SentryDSN,
		Env:       getEnv(),
		Version:   Version,
		LogFile:   cfg.Daemon.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	defer logging.Flush(2 * time.Second)

	d, err := daemon.New(cfg, Version)
	if err != nil {
		logging.Error("failed to initialize daemon", "error", err)
		return err
	}

	logging.Info("starting relayd",
		"version", Version,
		"state", cfg.State.Path,
		"api", cfg.API.Addr,
		"sentry", cfg.Daemon.SentryDSN != "",
	)

	if err := d.Run(); err != nil {
		logging.Error("daemon error", "error", err)
		return err
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv() string {
	if env := os.Getenv("RELAY_ENV"); env != "" {
		return env
	}
	return "development"
}
