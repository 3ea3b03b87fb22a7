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
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/AleutianAI/AleutianRelay/pkg/ux"
	"github.com/AleutianAI/AleutianRelay/services/relay"
	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				c.config.Server.ListenAddr = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := relay.New(ctx, c.config, nil, relay.WithLogger(c.logger.Slog()))
			if err != nil {
				return err
			}

			if c.printer.Level() != ux.LevelMachine {
				c.printer.Fields("AleutianRelay", map[string]string{
					"listen":  c.config.Server.ListenAddr,
					"bridge":  c.config.Bridge.URL,
					"storage": storageLabel(c.config.Storage),
					"auth":    strconv.FormatBool(c.config.Server.APIKey != ""),
				})
			}
			c.logger.Info("Relay configured",
				"listen_addr", c.config.Server.ListenAddr,
				"bridge_url", c.config.Bridge.URL,
				"auth", c.config.Server.APIKey != "",
			)
			if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen_addr")
	return cmd
}

func storageLabel(s relay.StorageConfig) string {
	if s.InMemory {
		return "in-memory"
	}
	return s.Path
}
