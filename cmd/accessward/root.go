// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/accessward/accessward/internal/config"
	"github.com/accessward/accessward/internal/xdg"
)

// Global flags available to all subcommands.
var (
	configFile string
	envFile    string
)

// NewRootCmd creates the root command for the AccessWard CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accessward",
		Short: "AccessWard - account authentication with abuse mitigation",
		Long: `AccessWard registers accounts, verifies email ownership with one-time
codes, and logs users in by password or emailed code. Repeated failures
lock an account for a cooling-off period.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment (missing is ignored)")
	cmd.PersistentFlags().String("log-format", "", "log format (json or text)")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	mustBind(cmd.PersistentFlags(), "log-format", "log.format")
	mustBind(cmd.PersistentFlags(), "log-level", "log.level")

	cmd.AddCommand(NewServeCmd(nil))
	cmd.AddCommand(NewMigrateCmd(nil))
	cmd.AddCommand(NewUnlockCmd(nil))
	cmd.AddCommand(NewConfigCmd())

	return cmd
}

// loadConfig layers defaults, the config file, the dotenv file, the
// environment, and the flags of cmd that were set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	opts, err := configOptions(cmd)
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(opts)
}

// configOptions falls back to $XDG_CONFIG_HOME/accessward/config.yaml when
// --config is not given.
func configOptions(cmd *cobra.Command) (config.Options, error) {
	file := configFile
	if file == "" {
		var err error
		if file, err = xdg.DefaultConfigFile(); err != nil {
			return config.Options{}, err
		}
	}
	opts := config.Options{
		File:  file,
		Flags: cmd.Flags(),
	}
	if envFile != "" {
		opts.DotEnv = []string{envFile}
	}
	return opts, nil
}

// mustBind ties a flag to a config key. Flags are declared next to the call,
// so a failure is a programming error.
func mustBind(fs *pflag.FlagSet, name, key string) {
	if err := config.BindFlag(fs, name, key); err != nil {
		panic(err)
	}
}
