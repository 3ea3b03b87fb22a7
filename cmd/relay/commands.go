// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/AleutianRelay/pkg/clock"
	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/pkg/storage/badger"
	"github.com/AleutianAI/AleutianRelay/pkg/ux"
	"github.com/AleutianAI/AleutianRelay/services/relay"
	"github.com/AleutianAI/AleutianRelay/services/relay/credentials"
	"github.com/AleutianAI/AleutianRelay/services/relay/ledger"
	"github.com/spf13/cobra"
)

// cli carries state shared by every subcommand of one invocation.
type cli struct {
	configPath string
	output     string
	config     relay.Config
	logger     *logging.Logger
	printer    *ux.Printer
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "relay",
		Short: "Bridge end users to a messaging account and reward inbound traffic",
		Long: `relay keeps one live messaging session per bound user, credits a
reward ledger for inbound messages, and exposes an HTTP control surface.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("RELAY_CONFIG"),
		"path to the YAML configuration file")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", "",
		"output style: standard, minimal or machine (default: detect)")

	root.AddCommand(newServeCmd(c), newLedgerCmd(c), newCredentialsCmd(c))
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := relay.LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	c.config = cfg

	out := cmd.OutOrStdout()
	level := ux.DetectLevel(out)
	if c.output != "" {
		level = ux.ParseLevel(c.output)
	}
	c.printer = ux.NewPrinter(out, level)

	lcfg := cfg.LoggingConfig("relay")
	lcfg.Output = cmd.ErrOrStderr()
	c.logger = logging.New(lcfg)
	slog.SetDefault(c.logger.Slog())
	return nil
}

// openStores opens the database plus the stores the admin commands use.
func (c *cli) openStores() (*badger.DB, *ledger.Ledger, *credentials.Store, error) {
	db, err := relay.OpenStorage(c.config, c.logger.Slog())
	if err != nil {
		return nil, nil, nil, err
	}
	rules, err := c.config.RewardRules()
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	l, err := ledger.New(rules, ledger.Deps{DB: db, Logger: c.logger.Slog()})
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return db, l, credentials.NewStore(db, clock.Real()), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// withStores runs fn against freshly opened stores and closes them after.
func (c *cli) withStores(cmd *cobra.Command, fn func(ctx context.Context, l *ledger.Ledger, creds *credentials.Store) error) error {
	db, l, creds, err := c.openStores()
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(cmd.Context(), l, creds)
}
