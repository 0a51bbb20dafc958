package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/denclaw/denclaw/pkg/denclaw/config"
)

// newConfigCmd creates the `denclaw config` command group for credential
// management. The keyring is the strongest tier of API key resolution, ahead
// of environment variables and the config file.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage stored credentials",
	}
	cmd.AddCommand(newConfigSetKeyCmd(), newConfigClearKeyCmd())
	return cmd
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <api-key>",
		Short: "Store the engine API key in the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.StoreAPIKey(args[0]); err != nil {
				return fmt.Errorf("storing API key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key stored in OS keyring")
			return nil
		},
	}
}

func newConfigClearKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-key",
		Short: "Remove the engine API key from the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.DeleteAPIKey(); err != nil {
				return fmt.Errorf("removing API key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key removed from OS keyring")
			return nil
		},
	}
}
