package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"taskorch/pkg/config"
)

// newConfigCmd creates the "taskorch config" subcommand.
func newConfigCmd(a *app) *cobra.Command {
	var defaults bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long:  "Prints the configuration after defaults, the config file and TASKORCH_* environment\noverrides are applied. With --defaults only the built-in defaults are printed,\nwhich makes a starting point for a new taskorch.yaml.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if !defaults {
				loaded, err := a.loadConfig()
				if err != nil {
					return fmt.Errorf("config: %w", err)
				}
				cfg = *loaded
			}
			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("config: encode: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&defaults, "defaults", false, "print the built-in defaults only")
	return cmd
}
