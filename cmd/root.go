package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"race-sync/internal/config"
	"race-sync/internal/storage"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	cfg      *config.Config
	provider storage.Provider
)

var rootCmd = &cobra.Command{
	Use:   "race-sync",
	Short: "Multi-device race timing sync",
	Long:  `Coordinator server, race administration and device client for syncing ski race timing entries and gate faults.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		initLogger(cfg, cmd == serverCmd)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if provider != nil {
			provider.Close()
		}
	},
	SilenceUsage: true,
}

// openProvider opens the coordinator database. Only commands that act on
// coordinator state call it.
func openProvider() (storage.Provider, error) {
	if provider != nil {
		return provider, nil
	}
	p, err := storage.NewProvider(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage provider: %w", err)
	}
	provider = p
	return provider, nil
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// initLogger installs the default logger. The server logs JSON to stdout;
// other commands log text to stderr so their output stays readable.
func initLogger(cfg *config.Config, server bool) *slog.Logger {
	level, ok := parseLevel(cfg.LogLevel)
	handlerOpts := &slog.HandlerOptions{Level: level}

	var logger *slog.Logger
	if server {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
	}
	slog.SetDefault(logger)

	if !ok {
		slog.Warn("Invalid log level, defaulting to info", "log_level", cfg.LogLevel)
	}
	slog.Debug("Logger initialized", "level", level.String())
	return logger
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}
