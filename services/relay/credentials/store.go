// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package credentials persists per-session authentication material.
//
// Material is opaque to the relay: the protocol bridge hands it over on
// every credentials_updated event and gets it back on reconnect. Each set
// is stored as a CBOR envelope under "creds/<userId>" so the format can be
// versioned without touching the material itself.
//
// # Thread Safety
//
// Store is safe for concurrent use. Writes for the same user are last
// writer wins.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/clock"
	"github.com/AleutianAI/AleutianRelay/pkg/storage/badger"
	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotFound is returned by Load when no credentials exist for a user.
	ErrNotFound = errors.New("credentials not found")

	// ErrEmptyUserID is returned for an empty user id.
	ErrEmptyUserID = errors.New("user id must not be empty")

	// ErrUnsupportedVersion is returned when a stored envelope was written
	// by a newer relay.
	ErrUnsupportedVersion = errors.New("unsupported credential envelope version")
)

// KeyPrefix is the Badger key prefix for credential envelopes.
const KeyPrefix = "creds/"

// envelopeVersion is the current envelope format.
const envelopeVersion = 1

// envelope is the persisted form of one credential set.
type envelope struct {
	V         int    `cbor:"v"`
	UserID    string `cbor:"userId"`
	UpdatedAt int64  `cbor:"updatedAt"`
	Material  []byte `cbor:"material"`
}

// Record is a loaded credential set.
type Record struct {
	UserID    string
	UpdatedAt time.Time
	Material  []byte
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("credentials: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("credentials: CBOR decoder initialization failed: " + err.Error())
	}
}

// Store reads and writes credential envelopes in Badger.
type Store struct {
	db    *badger.DB
	clock clock.Clock
}

// NewStore returns a Store on db. A nil clk uses the real clock.
func NewStore(db *badger.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{db: db, clock: clk}
}

func key(userID string) []byte {
	return []byte(KeyPrefix + userID)
}

// Save writes material for userID, replacing any previous set.
func (s *Store) Save(ctx context.Context, userID string, material []byte) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	data, err := encMode.Marshal(envelope{
		V:         envelopeVersion,
		UserID:    userID,
		UpdatedAt: s.clock.Now().UnixMilli(),
		Material:  material,
	})
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	err = s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(key(userID), data)
	})
	if err != nil {
		return fmt.Errorf("save credentials for %s: %w", userID, err)
	}
	return nil
}

// Load returns the stored credential set for userID, or ErrNotFound.
func (s *Store) Load(ctx context.Context, userID string) (*Record, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}

	var data []byte
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		val, ok, err := badger.Get(txn, key(userID))
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		data = val
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", userID, err)
	}

	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode credentials for %s: %w", userID, err)
	}
	if env.V > envelopeVersion {
		return nil, fmt.Errorf("credentials for %s: %w: %d", userID, ErrUnsupportedVersion, env.V)
	}
	return &Record{
		UserID:    env.UserID,
		UpdatedAt: time.UnixMilli(env.UpdatedAt).UTC(),
		Material:  env.Material,
	}, nil
}

// Delete removes the credential set for userID. Deleting a missing set is
// not an error.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	err := s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(key(userID))
	})
	if err != nil {
		return fmt.Errorf("delete credentials for %s: %w", userID, err)
	}
	return nil
}

// Exists reports whether credentials are stored for userID.
func (s *Store) Exists(ctx context.Context, userID string) (bool, error) {
	var found bool
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		_, ok, err := badger.Get(txn, key(userID))
		found = ok
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check credentials for %s: %w", userID, err)
	}
	return found, nil
}

// List returns the user ids of every stored credential set, in key order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		keys = badger.KeysWithPrefix(txn, []byte(KeyPrefix))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	userIDs := make([]string, 0, len(keys))
	for _, k := range keys {
		userIDs = append(userIDs, strings.TrimPrefix(k, KeyPrefix))
	}
	return userIDs, nil
}
