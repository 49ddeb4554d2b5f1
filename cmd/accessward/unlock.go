// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/accessward/accessward/internal/config"
	"github.com/accessward/accessward/internal/logging"
	"github.com/accessward/accessward/internal/notify"
)

// NewUnlockCmd creates the unlock subcommand. deps may be nil.
func NewUnlockCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock EMAIL",
		Short: "Clear failed attempts and any lock on an account",
		Long: `Reset the failed-attempt counter of the account registered with EMAIL
and lift its lock. Outstanding codes are kept. Requires the postgres store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnlock(cmd, args[0], deps)
		},
	}
	cmd.Flags().String("database-url", "", "PostgreSQL URL")
	mustBind(cmd.Flags(), "database-url", "store.database_url")
	return cmd
}

func runUnlock(cmd *cobra.Command, email string, deps *Deps) error {
	deps = deps.withDefaults()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Store.Driver != config.StorePostgres {
		return oops.Code("CONFIG_INVALID").
			With("field", "store.driver").
			Errorf("unlock needs the postgres store; the memory store lives inside the server process")
	}

	logger, err := logging.Setup(logging.Options{
		Service: serviceName,
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
	}, deps.LogWriter)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	accounts, release, err := deps.AccountStoreFactory(ctx, cfg.Store)
	if err != nil {
		return oops.Code("STORE_OPEN_FAILED").With("driver", cfg.Store.Driver).Wrap(err)
	}
	defer release()

	tokens, err := newTokenManager(cfg.Token)
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg, accounts, notify.NewLogNotifier(logger), tokens)
	if err != nil {
		return err
	}
	if err := engine.Unlock(ctx, email); err != nil {
		return err
	}
	cmd.Printf("Account %s unlocked\n", email)
	return nil
}
