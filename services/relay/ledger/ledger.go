// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger credits rewards for inbound messages.
//
// Every bound user may own an Account document. Each qualifying inbound
// message credits a fixed reward to the account, up to a daily cap, and a
// fraction of that reward to the account's referrer. The whole update runs
// in one Badger read-modify-write transaction; write conflicts are retried
// by the storage layer and the cap check inside the transaction is the only
// guard against over-crediting, so at-least-once event delivery can reach
// the cap early but never exceed it.
package ledger

import (
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/clock"
	"github.com/AleutianAI/AleutianRelay/pkg/storage/badger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrAccountNotFound is returned by Account when no document exists.
	ErrAccountNotFound = errors.New("account not found")

	// ErrCorruptAccount is returned when a stored document cannot be decoded.
	ErrCorruptAccount = errors.New("account document is corrupt")

	// ErrInvalidAccount is returned by PutAccount for invalid input.
	ErrInvalidAccount = errors.New("invalid account")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Defaults for Config.
const (
	DefaultReward       = 0.63
	DefaultDailyCap     = 200
	DefaultReferralRate = 0.10
)

// KeyPrefix is the Badger key prefix for account documents.
const KeyPrefix = "accounts/"

// DateLayout is the format of Account.WhatsappLastCountDate.
const DateLayout = "2006-01-02"

// Config configures the reward rules.
type Config struct {
	// Reward is credited per qualifying message. Default: 0.63.
	Reward float64

	// DailyCap is the maximum number of credited messages per calendar
	// day. Default: 200.
	DailyCap int

	// ReferralRate is the fraction of Reward credited to the referrer.
	// Default: 0.10.
	ReferralRate float64

	// Location defines the calendar day boundary. Default: UTC.
	Location *time.Location
}

// DefaultConfig returns the production reward rules.
func DefaultConfig() Config {
	return Config{
		Reward:       DefaultReward,
		DailyCap:     DefaultDailyCap,
		ReferralRate: DefaultReferralRate,
		Location:     time.UTC,
	}
}

func (c *Config) applyDefaults() {
	if c.Reward <= 0 {
		c.Reward = DefaultReward
	}
	if c.DailyCap <= 0 {
		c.DailyCap = DefaultDailyCap
	}
	if c.ReferralRate < 0 {
		c.ReferralRate = DefaultReferralRate
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

// Deps are the collaborators of a Ledger.
type Deps struct {
	DB     *badger.DB
	Clock  clock.Clock
	Logger *slog.Logger

	// MeterProvider receives ledger meters. Nil uses the global provider.
	MeterProvider metric.MeterProvider
}

// Ledger applies reward transactions.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent updates to the same account are
// serialized by Badger's optimistic transactions.
type Ledger struct {
	db     *badger.DB
	clock  clock.Clock
	cfg    Config
	logger *slog.Logger
	meters *meters
}

// New returns a Ledger. Zero-valued Config fields take defaults (a zero
// ReferralRate is kept and disables referral credit).
func New(cfg Config, deps Deps) (*Ledger, error) {
	if deps.DB == nil {
		return nil, errors.New("ledger: DB is required")
	}
	cfg.applyDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MeterProvider == nil {
		deps.MeterProvider = otel.GetMeterProvider()
	}

	m, err := newMeters(deps.MeterProvider)
	if err != nil {
		return nil, err
	}

	return &Ledger{
		db:     deps.DB,
		clock:  deps.Clock,
		cfg:    cfg,
		logger: deps.Logger,
		meters: m,
	}, nil
}

// Config returns the effective reward rules.
func (l *Ledger) Config() Config {
	return l.cfg
}

// Today returns the current ledger date.
func (l *Ledger) Today() string {
	return l.clock.Now().In(l.cfg.Location).Format(DateLayout)
}

func accountKey(userID string) []byte {
	return []byte(KeyPrefix + userID)
}

// round6 rounds to six decimal places so repeated float additions do not
// drift in the stored balance.
func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
