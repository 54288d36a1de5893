package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tutu-network/agentledger/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("operator", "", "Enable the background dispatcher for this operator")
	serveCmd.Flags().Bool("memory", false, "Use a volatile in-memory ledger")
	serveCmd.Flags().Bool("offline", false, "Confirm work with the static backend instead of the LLM")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ledger daemon",
	Long: `Start the ledger daemon: open the local ledger, seed the task board,
serve the HTTP API and, when an operator is configured, run the background
dispatcher and scheduled reconciliation.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if op, _ := cmd.Flags().GetString("operator"); op != "" {
		cfg.Dispatcher.Enabled = true
		cfg.Dispatcher.Operator = op
	}
	if mem, _ := cmd.Flags().GetBool("memory"); mem {
		cfg.Ledger.Memory = true
	}
	if offline, _ := cmd.Flags().GetBool("offline"); offline {
		cfg.LLM.Backend = "static"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()
	return d.Serve(ctx)
}
