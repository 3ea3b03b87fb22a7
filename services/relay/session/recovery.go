// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// RecoveryReport summarizes a boot-time recovery scan.
type RecoveryReport struct {
	// Found is the number of stored credential sets.
	Found int

	// Started is the number of sessions dialled successfully.
	Started int

	// Deferred is the number of users whose dial failed and who were
	// handed to the reconnection policy.
	Deferred int

	// Skipped is the number of users that already had a live entry.
	Skipped int
}

// Recover re-establishes a session for every stored credential set.
//
// # Description
//
// Recovered sessions start at uninitialized and connect with their stored
// material; no pairing artifact is requested. Starts are paced by a token
// bucket (RecoveryRate, RecoveryBurst) and bounded to RecoveryConcurrency
// in flight. A failed dial is not fatal: the user gets a placeholder entry
// in the retrying state and the reconnection policy takes over.
//
// # Outputs
//
//   - RecoveryReport: Per-outcome counts.
//   - error: Non-nil only when the credential listing fails or ctx ends.
func (r *Registry) Recover(ctx context.Context) (RecoveryReport, error) {
	ctx, span := tracer.Start(ctx, "Registry.Recover")
	defer span.End()

	ids, err := r.creds.List(ctx)
	if err != nil {
		span.RecordError(err)
		return RecoveryReport{}, fmt.Errorf("list stored credentials: %w", err)
	}

	var started, deferred, skipped atomic.Int64
	limiter := rate.NewLimiter(rate.Limit(r.cfg.RecoveryRate), r.cfg.RecoveryBurst)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.RecoveryConcurrency)
	for _, id := range ids {
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			switch r.recoverOne(gctx, id) {
			case recoveryStarted:
				started.Add(1)
			case recoveryDeferred:
				deferred.Add(1)
			case recoverySkipped:
				skipped.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RecoveryReport{}, err
	}

	report := RecoveryReport{
		Found:    len(ids),
		Started:  int(started.Load()),
		Deferred: int(deferred.Load()),
		Skipped:  int(skipped.Load()),
	}
	r.logger.Info("session recovery finished",
		"found", report.Found,
		"started", report.Started,
		"deferred", report.Deferred,
		"skipped", report.Skipped,
	)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("recovery interrupted: %w", err)
	}
	return report, nil
}

type recoveryOutcome int

const (
	recoverySkipped recoveryOutcome = iota
	recoveryStarted
	recoveryDeferred
)

func (r *Registry) recoverOne(ctx context.Context, userID string) recoveryOutcome {
	unlock, err := r.lock(ctx, userID)
	if err != nil {
		return recoverySkipped
	}
	defer unlock()

	if r.get(userID) != nil {
		return recoverySkipped
	}

	rec, err := r.creds.Load(ctx, userID)
	if err != nil {
		r.logger.Warn("skipping unreadable credentials", "user_id", userID, "error", err)
		return recoverySkipped
	}

	s, err := r.dial(ctx, userID, rec.Material, modeRecovered)
	if err != nil {
		r.logger.Warn("recovery dial failed, deferring to reconnect policy", "user_id", userID, "error", err)
		p := newPlaceholder(r, userID, err.Error())
		r.put(p)
		r.scheduleRetry(p)
		return recoveryDeferred
	}

	s.start()
	r.put(s)
	r.metrics.RecordTransition(string(StateUninitialized))

	connectCtx, cancel := context.WithTimeout(ctx, r.cfg.ArtifactTimeout)
	defer cancel()
	if err := s.client.Connect(connectCtx); err != nil {
		s.logger.Warn("recovery connect failed", "error", err)
		s.setError(err.Error())
		s.closeClient()
		return recoveryDeferred
	}
	return recoveryStarted
}
