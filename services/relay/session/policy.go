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
	"errors"

	"github.com/AleutianAI/AleutianRelay/services/relay/credentials"
	"github.com/AleutianAI/AleutianRelay/services/relay/protocol"
)

// -----------------------------------------------------------------------------
// Reconnection Policy
// -----------------------------------------------------------------------------

// IsTerminal reports whether a close reason ends the binding for good.
// Only an explicit logout is terminal; everything else is retried.
func IsTerminal(reason string) bool {
	return reason == protocol.ReasonLoggedOut
}

// onClosed applies the policy once s's consumer has exited. It runs on a
// registry goroutine, never on the consumer itself, so a teardown waiting
// for s.done cannot deadlock with it.
func (r *Registry) onClosed(s *session, reason string) {
	unlock, err := r.lock(r.ctx, s.userID)
	if err != nil {
		s.closeClient()
		return
	}
	defer unlock()

	if r.get(s.userID) != s || s.isRetired() {
		s.closeClient()
		return
	}

	if IsTerminal(reason) {
		r.terminate(s)
		return
	}
	r.scheduleRetry(s)
}

// terminate purges everything known about s's user. Caller holds the lock.
func (r *Registry) terminate(s *session) {
	s.retire()
	s.closeClient()
	r.remove(s)
	r.purge(r.ctx, s.userID)

	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()

	r.metrics.RecordTransition(string(StateTerminated))
	r.metrics.RecordTerminalDisconnect()
	s.logger.Info("session logged out, binding removed")
}

// scheduleRetry moves s to retrying and arms the fixed-delay timer. Caller
// holds the lock.
func (r *Registry) scheduleRetry(s *session) {
	s.closeClient()

	timer := r.clock.AfterFunc(r.cfg.RetryDelay, func() {
		r.spawn(func() { r.retry(s) })
	})
	s.setRetryTimer(timer)
	s.setState(StateRetrying)
	s.logger.Info("reconnect scheduled", "delay", r.cfg.RetryDelay)
}

// retry re-runs the creation sequence with stored credentials. Each attempt
// is independent: a failure schedules the next one on the same entry.
func (r *Registry) retry(old *session) {
	unlock, err := r.lock(r.ctx, old.userID)
	if err != nil {
		return
	}
	defer unlock()

	if r.get(old.userID) != old || old.isRetired() {
		return
	}

	rec, err := r.creds.Load(r.ctx, old.userID)
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		// Nothing to reconnect with; the binding is gone.
		old.logger.Warn("no stored credentials, dropping session")
		old.retire()
		r.remove(old)
		if err := r.ledger.SetBound(r.ctx, old.userID, false, ""); err != nil {
			old.logger.Error("failed to clear bound flag", "error", err)
		}
		r.metrics.RecordReconnect("abandoned")
		return
	case err != nil:
		old.logger.Error("failed to load credentials for reconnect", "error", err)
		old.setError(err.Error())
		r.metrics.RecordReconnect("failed")
		r.scheduleRetry(old)
		return
	}

	next, err := r.dial(r.ctx, old.userID, rec.Material, modeRecovered)
	if err != nil {
		old.logger.Warn("reconnect dial failed", "error", err)
		old.setError(err.Error())
		r.metrics.RecordReconnect("failed")
		r.scheduleRetry(old)
		return
	}

	old.retire()
	next.mu.Lock()
	next.lastError = old.lastErrorSnapshot()
	next.mu.Unlock()
	next.start()
	r.put(next)
	r.metrics.RecordTransition(string(StateUninitialized))

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ArtifactTimeout)
	defer cancel()
	if err := next.client.Connect(ctx); err != nil {
		// The consumer sees the close and the policy runs again.
		next.logger.Warn("reconnect connect failed", "error", err)
		next.setError(err.Error())
		next.closeClient()
		r.metrics.RecordReconnect("failed")
		return
	}
	r.metrics.RecordReconnect("success")
	next.logger.Info("reconnect started")
}
