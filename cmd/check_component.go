package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/server"
)

// newCheckComponentCmd loads a component through the contract checks the
// runtime applies at startup and prints what it declares.
func newCheckComponentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-component [path]",
		Short: "Validates an extractor component against the host contract",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			img, err := server.LoadComponent(path)
			if err != nil {
				return err
			}
			info := img.Info()
			report := map[string]any{
				"name":             info.Name,
				"version":          info.Version,
				"contract_version": info.ContractVersion,
				"features":         info.Features,
				"supported_modes":  info.SupportedModes,
				"digest":           img.Digest(),
				"size_bytes":       img.Size(),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return nil
		},
	}
}
