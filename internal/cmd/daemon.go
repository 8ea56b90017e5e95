package cmd

import (
	"github.com/spf13/cobra"

	"github.com/runger/malachi/internal/daemon"
)

var metricsAddr string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the daemon in the foreground",
	Long: `Run the malachi daemon in the foreground.

The daemon creates the command pipe in the runtime directory, holds a lock
so only one instance serves it, and stops on SIGINT, SIGTERM or a shutdown
command.

Examples:
  malachi daemon
  malachi daemon --debug
  malachi daemon --metrics-addr 127.0.0.1:9464`,
	GroupID: groupDaemon,
	Args:    cobra.NoArgs,
	RunE:    runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides daemon.metrics_addr)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, paths, err := loadConfig()
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		cfg.Daemon.MetricsAddr = metricsAddr
	}

	logger := newLogger(cfg)
	logger.Debug("configuration loaded", "file", configPath(paths))

	return daemon.Run(cmd.Context(), daemon.Options{
		Paths:   paths,
		Config:  cfg,
		Logger:  logger,
		Version: Version,
	})
}
