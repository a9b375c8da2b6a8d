package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP API and job workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), &e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run application: %w", err)
			}
			return nil
		},
	}
}
