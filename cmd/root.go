// Package cmd defines and implements the CLI commands for the extractor executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/config"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/logging"
)

// envKeyType is the key for storing the command environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand receives once config and logging are up.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadEnv is a variable so tests can inject config without touching disk.
var loadEnv = func(cfgFile string) (*env, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return &env{cfg: cfg, logger: logger}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "extractor",
		Short: "Sandboxed content extraction for the Realtime CPI project.",
		Long: `extractor runs untrusted JavaScript extractor components inside a
resource-governed sandbox pool. It serves synchronous extraction over HTTP,
processes batch jobs through a worker pool, and can run one-shot extractions
from the command line.`,
		SilenceUsage: true,

		// Config and logging are built before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cfgFile)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(e.logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, e))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); EXTRACTOR_* env vars override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newExtractCmd())
	cmd.AddCommand(newCheckComponentCmd())

	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("Command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
