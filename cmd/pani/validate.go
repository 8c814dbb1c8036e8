package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ilya-Muromets/Pani/config"
)

func validateCmd(global *globalOptions) *cobra.Command {
	var show bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if global.ConfigPath != "" {
				if _, err := os.Stat(global.ConfigPath); err != nil {
					return fmt.Errorf("config file not found: %s", global.ConfigPath)
				}
			}

			// Decode without validating so --show can print a broken config.
			loader := config.NewLoader()
			loader.EnableValidation(false)
			if global.ConfigPath != "" {
				loader.AddLayer(global.ConfigPath)
			}
			cfg, err := loader.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if show {
				fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	cmd.Flags().BoolVar(&show, "show", false, "Print the effective configuration, credentials masked")
	return cmd
}
