// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenInMemory verifies in-memory database creation works.
func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	err = db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("key"), []byte("value"))
	})
	require.NoError(t, err)

	err = db.View(ctx, func(txn *badger.Txn) error {
		val, ok, err := Get(txn, []byte("key"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("value"), val)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, db.InMemory())
	assert.Empty(t, db.Path())
}

// TestOpenDB_Persistent verifies data survives a close and reopen.
func TestOpenDB_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0

	db, err := OpenDB(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("persistent-key"), []byte("persistent-value"))
	}))
	require.NoError(t, db.Close())

	db2, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db2.View(ctx, func(txn *badger.Txn) error {
		val, ok, err := Get(txn, []byte("persistent-key"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("persistent-value"), val)
		return nil
	}))
	assert.Equal(t, dir, db2.Path())
}

// TestOpenDB_RequiresPath verifies that persistent mode requires a path.
func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestConfigFunctions(t *testing.T) {
	t.Run("DefaultConfig syncs writes", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.True(t, cfg.SyncWrites)
		assert.False(t, cfg.InMemory)
		assert.Equal(t, 5*time.Minute, cfg.GCInterval)
		assert.Equal(t, DefaultConflictInitialInterval, cfg.ConflictInitialInterval)
		assert.Equal(t, DefaultConflictMaxInterval, cfg.ConflictMaxInterval)
	})

	t.Run("InMemoryConfig disables GC", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.True(t, cfg.InMemory)
		assert.Equal(t, time.Duration(0), cfg.GCInterval)
	})
}

// TestDB_UpdateRetriesOnConflict forces a write-write conflict on the first
// attempt and checks that Update re-runs the body against fresh data.
func TestDB_UpdateRetriesOnConflict(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	key := []byte("counter")
	require.NoError(t, db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, []byte("a"))
	}))

	attempts := 0
	err = db.Update(ctx, func(txn *badger.Txn) error {
		attempts++
		val, _, err := Get(txn, key)
		if err != nil {
			return err
		}
		if attempts == 1 {
			// A concurrent writer commits after our read.
			require.NoError(t, db.DB.Update(func(other *badger.Txn) error {
				return other.Set(key, []byte("b"))
			}))
		}
		return txn.Set(key, append(val, 'x'))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	require.NoError(t, db.View(ctx, func(txn *badger.Txn) error {
		val, _, err := Get(txn, key)
		require.NoError(t, err)
		assert.Equal(t, "bx", string(val))
		return nil
	}))
}

// TestDB_UpdateDiscardsOnError verifies writes are rolled back when fn fails.
func TestDB_UpdateDiscardsOnError(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	boom := errors.New("boom")
	err = db.Update(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte("k1"), []byte("v1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, db.View(ctx, func(txn *badger.Txn) error {
		_, ok, err := Get(txn, []byte("k1"))
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

// TestDB_UpdateHotKeyNeverSurfacesConflicts runs many concurrent
// read-modify-write transactions against one key and checks every
// increment lands.
func TestDB_UpdateHotKeyNeverSurfacesConflicts(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	key := []byte("hot")
	const workers, perWorker = 32, 20

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				errs <- db.Update(ctx, func(txn *badger.Txn) error {
					val, _, err := Get(txn, key)
					if err != nil {
						return err
					}
					n := 0
					if len(val) > 0 {
						n, err = strconv.Atoi(string(val))
						if err != nil {
							return err
						}
					}
					return txn.Set(key, []byte(strconv.Itoa(n+1)))
				})
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, db.View(ctx, func(txn *badger.Txn) error {
		val, _, err := Get(txn, key)
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(workers*perWorker), string(val))
		return nil
	}))
}

// TestDB_UpdateConflictStopsOnContext keeps a transaction conflicting
// forever and checks that Update returns once ctx expires.
func TestDB_UpdateConflictStopsOnContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	key := []byte("contended")
	attempts := 0
	err = db.Update(ctx, func(txn *badger.Txn) error {
		attempts++
		if _, _, err := Get(txn, key); err != nil {
			return err
		}
		require.NoError(t, db.DB.Update(func(other *badger.Txn) error {
			return other.Set(key, []byte(strconv.Itoa(attempts)))
		}))
		return txn.Set(key, []byte("mine"))
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, badger.ErrConflict)
	assert.Greater(t, attempts, 1)
}

func TestDB_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = db.Update(ctx, func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	err = db.View(ctx, func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeysWithPrefix(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(txn *badger.Txn) error {
		for _, k := range []string{"creds/a", "creds/b", "accounts/a"} {
			if err := txn.Set([]byte(k), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(ctx, func(txn *badger.Txn) error {
		keys := KeysWithPrefix(txn, []byte("creds/"))
		assert.ElementsMatch(t, []string{"creds/a", "creds/b"}, keys)
		return nil
	}))
}

func TestNewGCRunner_Validation(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewGCRunner(nil, time.Minute, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db.DB, 0, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db.DB, time.Minute, 1.5, nil)
	assert.Error(t, err)

	runner, err := NewGCRunner(db.DB, time.Hour, 0.5, nil)
	require.NoError(t, err)
	runner.Start()
	runner.Stop()
}
