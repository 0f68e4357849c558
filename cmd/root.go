// Package cmd is the command tree of the study payment service.
package cmd

import (
	"fmt"
	"os"

	"study-payment-svc/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

var configFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "study-payment-svc",
		Short:         "Payment confirmation and deposit settlement for study groups",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./config.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(settleCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(settlementCmd())
	return root
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the production logger every command shares.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger = logger.With(zap.String("service", cfg.Service.Name))
	return cfg, logger, nil
}
