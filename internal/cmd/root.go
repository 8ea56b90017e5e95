// Package cmd implements the malachi command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/runger/malachi/internal/config"
)

const (
	groupDaemon = "daemon"
	groupClient = "client"
	groupSetup  = "setup"
)

var (
	debugFlag  bool
	configFile string

	// defaultPaths is swapped out by tests.
	defaultPaths = config.DefaultPaths
)

var rootCmd = &cobra.Command{
	Use:   "malachi",
	Short: "Repository indexing daemon",
	Long: `malachi - repository indexing daemon

The daemon reads commands from a named pipe in the runtime directory and
records the head commit of every repository it is told about.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", "", "configuration file (default: <config-dir>/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupDaemon, Title: "Daemon:"},
		&cobra.Group{ID: groupClient, Title: "Client:"},
		&cobra.Group{ID: groupSetup, Title: "Setup:"},
	)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// configPath returns the file selected by --config-file, or the default.
func configPath(paths *config.Paths) string {
	if configFile != "" {
		return configFile
	}
	return paths.ConfigFile()
}

// loadConfig resolves paths and loads the configuration, applying --debug.
func loadConfig() (*config.Config, *config.Paths, error) {
	paths := defaultPaths()
	cfg, err := config.LoadFromFile(configPath(paths))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if debugFlag {
		cfg.Daemon.LogLevel = "debug"
	}
	return cfg, paths, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
}
