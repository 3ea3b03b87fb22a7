// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger provides factory functions and transaction helpers for BadgerDB.
//
// BadgerDB is the relay's only durable store. Two key spaces share one
// database:
//
//	creds/<userId>     CBOR credential envelopes (services/relay/credentials)
//	accounts/<userId>  JSON ledger documents     (services/relay/ledger)
//
// Every read-modify-write goes through DB.Update, which retries on
// badger.ErrConflict so callers never observe optimistic-concurrency
// failures.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgraph-io/badger/v4"
)

// Backoff bounds for re-running a transaction that lost an
// optimistic-concurrency race. Retries continue until the context ends.
const (
	DefaultConflictInitialInterval = time.Millisecond
	DefaultConflictMaxInterval     = 100 * time.Millisecond
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent databases. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64

	// ConflictInitialInterval is the first wait before Update re-runs a
	// conflicting transaction. Waits grow exponentially with jitter.
	// Default: DefaultConflictInitialInterval.
	ConflictInitialInterval time.Duration

	// ConflictMaxInterval caps the wait between conflict retries.
	// Default: DefaultConflictMaxInterval.
	ConflictMaxInterval time.Duration
}

// DefaultConfig returns sensible defaults for production use.
//
// # Description
//
// Returns a Config with:
//   - SyncWrites enabled (credential writes must survive a crash)
//   - 5-minute GC interval
//   - 50% discard ratio threshold
//
// # Outputs
//
//   - Config: Production configuration. Path must still be set.
func DefaultConfig() Config {
	return Config{
		SyncWrites:              true,
		GCInterval:              5 * time.Minute,
		GCDiscardRatio:          0.5,
		ConflictInitialInterval: DefaultConflictInitialInterval,
		ConflictMaxInterval:     DefaultConflictMaxInterval,
	}
}

// InMemoryConfig returns configuration optimized for testing.
func InMemoryConfig() Config {
	return Config{
		InMemory:                true,
		ConflictInitialInterval: DefaultConflictInitialInterval,
		ConflictMaxInterval:     DefaultConflictMaxInterval,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB wraps a BadgerDB instance with lifecycle management.
//
// # Thread Safety
//
// Safe for concurrent use. The GC runner and all transactions may run
// concurrently.
type DB struct {
	*badger.DB
	gcRunner        *GCRunner
	path            string
	inMemory        bool
	initialInterval time.Duration
	maxInterval     time.Duration
}

// OpenDB opens a BadgerDB with full lifecycle management.
//
// # Description
//
// Opens the database at cfg.Path (creating the directory when needed) or
// in memory, and starts a value-log GC runner when GCInterval is set for a
// persistent database.
//
// # Inputs
//
//   - cfg: Database configuration. Path is required unless InMemory is true.
//
// # Outputs
//
//   - *DB: The managed database. Call Close() when done.
//   - error: Non-nil if the path is invalid or the database cannot be opened.
func OpenDB(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	initial := cfg.ConflictInitialInterval
	if initial <= 0 {
		initial = DefaultConflictInitialInterval
	}
	maxInterval := cfg.ConflictMaxInterval
	if maxInterval < initial {
		maxInterval = max(initial, DefaultConflictMaxInterval)
	}

	wrapped := &DB{
		DB:              db,
		path:            cfg.Path,
		inMemory:        cfg.InMemory,
		initialInterval: initial,
		maxInterval:     maxInterval,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		wrapped.gcRunner = runner
		runner.Start()
	}

	return wrapped, nil
}

// OpenInMemory opens an in-memory database for tests. Data is lost on Close.
func OpenInMemory() (*DB, error) {
	return OpenDB(InMemoryConfig())
}

// Close stops the GC runner (if any) and closes the database.
func (d *DB) Close() error {
	if d.gcRunner != nil {
		d.gcRunner.Stop()
	}
	return d.DB.Close()
}

// Path returns the database path, or empty string for in-memory databases.
func (d *DB) Path() string {
	return d.path
}

// InMemory returns true if this is an in-memory database.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// Update runs fn inside a read-write transaction and commits it.
//
// # Description
//
// fn may be invoked more than once: when the commit fails with
// badger.ErrConflict the transaction is discarded and fn is re-run against
// a fresh snapshot after a jittered exponential backoff. Conflicts are
// retried until ctx ends and never returned to the caller. fn must therefore derive every write from what it reads
// inside txn and must not have side effects outside the transaction.
// Returning an error from fn discards every write made in that attempt.
//
// # Inputs
//
//   - ctx: Checked before each attempt and bounds the conflict retries.
//   - fn: Transaction body.
//
// # Outputs
//
//   - error: fn's error, a non-conflict commit error, or a context error.
//
// # Thread Safety
//
// Safe for concurrent use.
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.initialInterval
	policy.MaxInterval = d.maxInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.5

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := d.runTxn(fn)
		if err == nil || errors.Is(err, badger.ErrConflict) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil && ctx.Err() != nil && (errors.Is(err, ctx.Err()) || errors.Is(err, badger.ErrConflict)) {
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
	return err
}

func (d *DB) runTxn(fn func(txn *badger.Txn) error) error {
	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// View runs fn inside a read-only transaction.
func (d *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// Get reads key inside txn and returns a copy of its value.
// Returns (nil, false, nil) when the key does not exist.
func Get(txn *badger.Txn, key []byte) ([]byte, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// KeysWithPrefix lists every key under prefix, without values.
func KeysWithPrefix(txn *badger.Txn, prefix []byte) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys []string
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Item().KeyCopy(nil)))
	}
	return keys
}

// GCRunner runs periodic garbage collection on a BadgerDB instance.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

// NewGCRunner creates a garbage collection runner. Call Start to begin.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio < 0 || ratio > 1 {
		return nil, errors.New("ratio must be between 0 and 1")
	}

	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start begins periodic garbage collection in a goroutine.
func (r *GCRunner) Start() {
	go r.run()
}

// Stop halts garbage collection and waits for the goroutine to exit.
func (r *GCRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *GCRunner) runGC() {
	err := r.db.RunValueLogGC(r.ratio)
	if err == nil {
		if r.logger != nil {
			r.logger.Debug("badger value log GC completed")
		}
	} else if !errors.Is(err, badger.ErrNoRewrite) {
		// ErrNoRewrite means no GC was needed
		if r.logger != nil {
			r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
		}
	}
}
