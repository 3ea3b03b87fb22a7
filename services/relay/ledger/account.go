// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianRelay/pkg/storage/badger"
	dgbadger "github.com/dgraph-io/badger/v4"
)

// Account is the persisted ledger document of one user.
type Account struct {
	UserID string `json:"userId"`

	// Balance is a non-negative accumulator, rounded to 6 decimals.
	Balance float64 `json:"balance"`

	// WhatsappMessageCount is the lifetime number of credited messages.
	WhatsappMessageCount int64 `json:"whatsappMessageCount"`

	// WhatsappTodayCount is the number of credited messages on
	// WhatsappLastCountDate.
	WhatsappTodayCount int `json:"whatsappTodayCount"`

	// WhatsappLastCountDate is YYYY-MM-DD in the ledger time zone.
	WhatsappLastCountDate string `json:"whatsappLastCountDate,omitempty"`

	// ReferrerID optionally names the account that earns referral credit.
	ReferrerID string `json:"referrerId,omitempty"`

	// WhatsappConnected is the externally visible bound flag.
	WhatsappConnected bool `json:"whatsappConnected"`

	// WhatsappNumber is the bound address while connected.
	WhatsappNumber string `json:"whatsappNumber,omitempty"`
}

func decodeAccount(raw []byte) (*Account, error) {
	var acct Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptAccount, err)
	}
	return &acct, nil
}

func putAccount(txn *dgbadger.Txn, acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("encode account %s: %w", acct.UserID, err)
	}
	return txn.Set(accountKey(acct.UserID), data)
}

// Account returns the document for userID, or ErrAccountNotFound.
func (l *Ledger) Account(ctx context.Context, userID string) (*Account, error) {
	var acct *Account
	err := l.db.View(ctx, func(txn *dgbadger.Txn) error {
		raw, ok, err := badger.Get(txn, accountKey(userID))
		if err != nil {
			return err
		}
		if !ok {
			return ErrAccountNotFound
		}
		acct, err = decodeAccount(raw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", userID, err)
	}
	if acct.UserID == "" {
		acct.UserID = userID
	}
	return acct, nil
}

// PutAccount writes acct, replacing any existing document.
func (l *Ledger) PutAccount(ctx context.Context, acct Account) error {
	if acct.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidAccount)
	}
	if acct.Balance < 0 {
		return fmt.Errorf("%w: balance must be non-negative", ErrInvalidAccount)
	}
	if acct.ReferrerID == acct.UserID {
		return fmt.Errorf("%w: account cannot refer itself", ErrInvalidAccount)
	}
	acct.Balance = round6(acct.Balance)

	return l.db.Update(ctx, func(txn *dgbadger.Txn) error {
		return putAccount(txn, &acct)
	})
}

// OpenAccount creates an empty account for userID if none exists.
// Returns true when a document was created.
func (l *Ledger) OpenAccount(ctx context.Context, userID, referrerID string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("%w: userId is required", ErrInvalidAccount)
	}
	if referrerID == userID {
		return false, fmt.Errorf("%w: account cannot refer itself", ErrInvalidAccount)
	}

	var created bool
	err := l.db.Update(ctx, func(txn *dgbadger.Txn) error {
		created = false
		_, ok, err := badger.Get(txn, accountKey(userID))
		if err != nil || ok {
			return err
		}
		created = true
		return putAccount(txn, &Account{UserID: userID, ReferrerID: referrerID})
	})
	if err != nil {
		return false, fmt.Errorf("open account %s: %w", userID, err)
	}
	return created, nil
}

// SetBound updates the externally visible bound flag. address is stored
// while bound and cleared on unbind. A missing account is not an error.
func (l *Ledger) SetBound(ctx context.Context, userID string, bound bool, address string) error {
	err := l.db.Update(ctx, func(txn *dgbadger.Txn) error {
		raw, ok, err := badger.Get(txn, accountKey(userID))
		if err != nil || !ok {
			return err
		}
		acct, err := decodeAccount(raw)
		if err != nil {
			return err
		}
		if acct.UserID == "" {
			acct.UserID = userID
		}
		acct.WhatsappConnected = bound
		if bound {
			acct.WhatsappNumber = address
		} else {
			acct.WhatsappNumber = ""
		}
		return putAccount(txn, acct)
	})
	if err != nil {
		return fmt.Errorf("set bound flag for %s: %w", userID, err)
	}
	return nil
}

// ListAccounts returns the user ids of every account, in key order.
func (l *Ledger) ListAccounts(ctx context.Context) ([]string, error) {
	var keys []string
	err := l.db.View(ctx, func(txn *dgbadger.Txn) error {
		keys = badger.KeysWithPrefix(txn, []byte(KeyPrefix))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, KeyPrefix))
	}
	return ids, nil
}
