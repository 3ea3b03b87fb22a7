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
	"fmt"
	"strconv"

	"github.com/AleutianAI/AleutianRelay/services/relay/credentials"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/ledger"
	"github.com/spf13/cobra"
)

func newLedgerCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and manage reward accounts",
	}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show <userId>",
		Short: "Print one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStores(cmd, func(ctx context.Context, l *ledger.Ledger, _ *credentials.Store) error {
				acct, err := l.Account(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), acct)
				}
				c.printer.Fields("Account "+acct.UserID, accountFields(acct))
				return nil
			})
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print the raw account record as JSON")

	list := &cobra.Command{
		Use:   "list",
		Short: "List account user ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStores(cmd, func(ctx context.Context, l *ledger.Ledger, _ *credentials.Store) error {
				ids, err := l.ListAccounts(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					c.printer.Line(id)
				}
				return nil
			})
		},
	}

	var referrer string
	grant := &cobra.Command{
		Use:   "grant <userId>",
		Short: "Open a reward account so inbound messages are credited",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			if err := datatypes.ValidateUserID(userID); err != nil {
				return err
			}
			if referrer != "" {
				if err := datatypes.ValidateUserID(referrer); err != nil {
					return fmt.Errorf("referrer: %w", err)
				}
			}
			return c.withStores(cmd, func(ctx context.Context, l *ledger.Ledger, _ *credentials.Store) error {
				created, err := l.OpenAccount(ctx, userID, referrer)
				if err != nil {
					return err
				}
				if created {
					c.printer.Success(fmt.Sprintf("opened account %s", userID))
				} else {
					c.printer.Warning(fmt.Sprintf("account %s already exists", userID))
				}
				return nil
			})
		},
	}
	grant.Flags().StringVar(&referrer, "referrer", "", "user id credited with referral rewards")

	cmd.AddCommand(show, list, grant)
	return cmd
}

func newCredentialsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Inspect stored session credentials",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List users with stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStores(cmd, func(ctx context.Context, _ *ledger.Ledger, creds *credentials.Store) error {
				ids, err := creds.List(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					c.printer.Line(id)
				}
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:   "delete <userId>",
		Short: "Forget a binding without logging out (server must be stopped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStores(cmd, func(ctx context.Context, l *ledger.Ledger, creds *credentials.Store) error {
				if err := creds.Delete(ctx, args[0]); err != nil {
					return err
				}
				if err := l.SetBound(ctx, args[0], false, ""); err != nil {
					return err
				}
				c.printer.Success(fmt.Sprintf("deleted credentials for %s", args[0]))
				return nil
			})
		},
	}

	cmd.AddCommand(list, remove)
	return cmd
}

func accountFields(acct *ledger.Account) map[string]string {
	fields := map[string]string{
		"balance":       strconv.FormatFloat(acct.Balance, 'f', -1, 64),
		"messages":      strconv.FormatInt(acct.WhatsappMessageCount, 10),
		"messagesToday": strconv.Itoa(acct.WhatsappTodayCount),
		"connected":     strconv.FormatBool(acct.WhatsappConnected),
	}
	if acct.WhatsappLastCountDate != "" {
		fields["lastCountDate"] = acct.WhatsappLastCountDate
	}
	if acct.ReferrerID != "" {
		fields["referrer"] = acct.ReferrerID
	}
	if acct.WhatsappNumber != "" {
		fields["address"] = acct.WhatsappNumber
	}
	return fields
}
