// Package cli implements the agentledger command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tutu-network/agentledger/internal/daemon"
	"github.com/tutu-network/agentledger/internal/infra/observability"
)

var (
	configPath string
	apiAddr    string
	logLevel   string

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "agentledger",
	Short: "Credit ledger and task settlement for autonomous operators",
	Long: `agentledger keeps operator credit accounts, a board of reward-bearing tasks,
and settles completed work exactly once. Run 'agentledger serve' to start the
daemon; the other commands talk to a running daemon over its HTTP API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := daemon.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		l, err := observability.NewLogger(observability.LogConfig{
			Level:       cfg.Log.Level,
			Development: cfg.Log.Development,
		})
		if err != nil {
			return err
		}
		logger = l
		if apiAddr == "" {
			apiAddr = "http://" + cfg.API.Addr()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", daemon.ConfigPath(), "Path to config.toml")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "", "Daemon API base URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
