// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/accessward/accessward/internal/config"
)

// NewConfigCmd creates the config subcommand.
func NewConfigCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration serve would run with, after layering the
config file (--config, else $XDG_CONFIG_HOME/accessward/config.yaml), the
dotenv file, and ACCESSWARD_* variables. Secrets are
redacted. With --check the command fails when the configuration is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := configOptions(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.LoadUnvalidated(opts)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg.Redacted()); err != nil {
				return err
			}
			if err := enc.Close(); err != nil {
				return err
			}

			if check {
				if err := cfg.Validate(); err != nil {
					return err
				}
				cmd.PrintErrln("configuration is valid")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "validate the configuration")
	return cmd
}
