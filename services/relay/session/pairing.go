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
	"fmt"

	"github.com/AleutianAI/AleutianRelay/pkg/qr"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Pairing Flow
// =============================================================================

// RequestPairingCode binds userID through an 8-character pairing code.
//
// # Description
//
// Normalizes phoneNumber, replaces any existing non-connected session for
// userID, dials a fresh protocol client with no credentials and asks it for
// a pairing code. Blocks until the code arrives or ArtifactTimeout elapses.
//
// # Inputs
//
//   - ctx: Bounds the wait. Cancelling it does not stop the session.
//   - userID: Externally assigned identifier. Must be non-empty.
//   - phoneNumber: Any formatting; digits are extracted.
//
// # Outputs
//
//   - string: Code formatted as "XXXX-XXXX".
//   - error: ErrInvalidUserID, ErrInvalidPhone, ErrAlreadyRegistered,
//     ErrProtocolInit, ErrArtifactTimeout or ErrSessionEnded.
//
// # Limitations
//
//   - On ErrArtifactTimeout the session keeps connecting; CheckStatus may
//     still return the code later.
func (r *Registry) RequestPairingCode(ctx context.Context, userID, phoneNumber string) (string, error) {
	if userID == "" {
		return "", ErrInvalidUserID
	}
	phone, err := NormalizePhone(phoneNumber, r.cfg.DefaultCountryCode)
	if err != nil {
		return "", err
	}

	ctx, span := tracer.Start(ctx, "Registry.RequestPairingCode",
		trace.WithAttributes(attribute.String("relay.user_id", userID)))
	defer span.End()

	code, err := r.issue(ctx, userID, modeCode, func(ctx context.Context, s *session) error {
		return s.client.RequestPairingCode(ctx, phone)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pairing code failed")
		return "", err
	}
	return code, nil
}

// RequestQRCode binds userID through a QR scan and returns the QR rendered
// as a PNG data URL. Error semantics match RequestPairingCode.
func (r *Registry) RequestQRCode(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrInvalidUserID
	}

	ctx, span := tracer.Start(ctx, "Registry.RequestQRCode",
		trace.WithAttributes(attribute.String("relay.user_id", userID)))
	defer span.End()

	payload, err := r.issue(ctx, userID, modeQR, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "qr failed")
		return "", err
	}

	url, err := qr.DataURL(payload, r.cfg.QRImageSize)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return url, nil
}

// issue runs the create-or-replace sequence under the user lock and waits
// for one artifact of the session's mode. command, when non-nil, runs after
// connect.
func (r *Registry) issue(ctx context.Context, userID string, m mode, command func(context.Context, *session) error) (string, error) {
	kind := artifactQR
	metricKind := observability.ArtifactQR
	if m == modeCode {
		kind = artifactCode
		metricKind = observability.ArtifactPairingCode
	}

	s, w, err := r.createForPairing(ctx, userID, m, kind, command)
	if err != nil {
		r.metrics.RecordArtifactRequest(metricKind, outcomeFor(err))
		return "", err
	}

	// The wait happens outside the user lock so status reads, sends and an
	// unbind for the same user are not held up by a slow handshake.
	started := r.clock.Now()
	value, err := s.await(ctx, w)
	r.metrics.RecordArtifactWait(metricKind, r.clock.Now().Sub(started).Seconds())
	r.metrics.RecordArtifactRequest(metricKind, outcomeFor(err))
	if err != nil {
		s.logger.Warn("pairing artifact not delivered", "kind", kind.String(), "error", err)
		return "", err
	}
	s.logger.Info("pairing artifact delivered", "kind", kind.String())
	return value, nil
}

func (r *Registry) createForPairing(ctx context.Context, userID string, m mode, kind artifactKind, command func(context.Context, *session) error) (*session, *waiter, error) {
	unlock, err := r.lock(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	if old := r.get(userID); old != nil {
		if old.State() == StateConnected {
			return nil, nil, ErrAlreadyRegistered
		}
		r.teardown(ctx, old)
	}

	// A fresh pairing replaces the binding, so stale material must not be
	// picked up by a later recovery.
	if err := r.creds.Delete(ctx, userID); err != nil {
		r.logger.Warn("failed to purge credentials before pairing", "user_id", userID, "error", err)
	}

	s, err := r.dial(ctx, userID, nil, m)
	if err != nil {
		r.logger.Error("protocol dial failed", "user_id", userID, "error", err)
		return nil, nil, err
	}
	w := s.watch(kind)
	s.start()
	r.put(s)
	r.metrics.RecordTransition(string(StateUninitialized))

	if err := r.initialize(ctx, s, command); err != nil {
		s.retire()
		s.closeClient()
		s.mu.Lock()
		s.state = StateError
		s.lastError = err.Error()
		s.mu.Unlock()
		r.metrics.RecordTransition(string(StateError))
		s.logger.Error("protocol initialization failed", "error", err)
		return nil, nil, fmt.Errorf("%w: %v", ErrProtocolInit, err)
	}
	return s, w, nil
}

func (r *Registry) initialize(ctx context.Context, s *session, command func(context.Context, *session) error) error {
	cmdCtx, cancel := context.WithTimeout(ctx, r.cfg.ArtifactTimeout)
	defer cancel()

	if err := s.client.Connect(cmdCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if command != nil {
		if err := command(cmdCtx, s); err != nil {
			return err
		}
	}
	return nil
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "success"
	case isTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrArtifactTimeout) || errors.Is(err, context.DeadlineExceeded)
}
