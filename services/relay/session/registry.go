// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns the lifecycle of protocol sessions.
//
// The Registry maps each user id to at most one live session. Every
// mutation for a user (pairing, QR, unbind, retry, close handling) runs
// under a per-user lock; status reads and sends never take it.
//
// Each session drains its protocol client's event channel on a dedicated
// goroutine, so events for one user are handled strictly in order and one
// user's slow handshake never delays another user.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/clock"
	"github.com/AleutianAI/AleutianRelay/pkg/qr"
	"github.com/AleutianAI/AleutianRelay/services/relay/credentials"
	"github.com/AleutianAI/AleutianRelay/services/relay/ledger"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.relay.session")

// =============================================================================
// Dependencies
// =============================================================================

// CredentialStore persists per-user credential material.
type CredentialStore interface {
	Save(ctx context.Context, userID string, material []byte) error
	Load(ctx context.Context, userID string) (*credentials.Record, error)
	Delete(ctx context.Context, userID string) error
	List(ctx context.Context) ([]string, error)
}

// RewardLedger receives inbound messages and the bound flag.
type RewardLedger interface {
	RecordMessage(ctx context.Context, userID string, msg *protocol.Message) (ledger.Result, error)
	SetBound(ctx context.Context, userID string, bound bool, address string) error
}

// Config tunes the Registry. Zero values take defaults.
type Config struct {
	// ArtifactTimeout bounds the wait for a pairing code or QR.
	// Default: 30s.
	ArtifactTimeout time.Duration

	// RetryDelay is the fixed delay before reconnecting after a transient
	// close. Default: 5s.
	RetryDelay time.Duration

	// TeardownTimeout bounds the wait for a replaced session to close
	// after logout. Default: 10s.
	TeardownTimeout time.Duration

	// DefaultCountryCode is prefixed to bare 10-digit phone numbers.
	// Default: "91".
	DefaultCountryCode string

	// AddressSuffix turns a normalized phone number into a protocol
	// address for SendText. Default: "@s.whatsapp.net".
	AddressSuffix string

	// QRImageSize is the rendered QR edge in pixels. Default: 256.
	QRImageSize int

	// RecoveryConcurrency bounds parallel recoveries. Default: 8.
	RecoveryConcurrency int

	// RecoveryRate is the number of recoveries started per second.
	// Default: 10.
	RecoveryRate float64

	// RecoveryBurst is the limiter burst. Default: 1.
	RecoveryBurst int
}

// Defaults for Config.
const (
	DefaultArtifactTimeout     = 30 * time.Second
	DefaultRetryDelay          = 5 * time.Second
	DefaultTeardownTimeout     = 10 * time.Second
	DefaultCountryCode         = "91"
	DefaultAddressSuffix       = "@s.whatsapp.net"
	DefaultRecoveryConcurrency = 8
	DefaultRecoveryRate        = 10.0
	DefaultRecoveryBurst       = 1
)

func (c *Config) applyDefaults() {
	if c.ArtifactTimeout <= 0 {
		c.ArtifactTimeout = DefaultArtifactTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = DefaultTeardownTimeout
	}
	if c.DefaultCountryCode == "" {
		c.DefaultCountryCode = DefaultCountryCode
	}
	if c.AddressSuffix == "" {
		c.AddressSuffix = DefaultAddressSuffix
	}
	if c.QRImageSize <= 0 {
		c.QRImageSize = qr.DefaultSize
	}
	if c.RecoveryConcurrency <= 0 {
		c.RecoveryConcurrency = DefaultRecoveryConcurrency
	}
	if c.RecoveryRate <= 0 {
		c.RecoveryRate = DefaultRecoveryRate
	}
	if c.RecoveryBurst <= 0 {
		c.RecoveryBurst = DefaultRecoveryBurst
	}
}

// Deps are the Registry's collaborators.
type Deps struct {
	Dialer      protocol.Dialer
	Credentials CredentialStore
	Ledger      RewardLedger

	// Optional.
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.RelayMetrics
}

// =============================================================================
// Registry
// =============================================================================

// Registry is the process-wide map of user id to live session.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	cfg     Config
	dialer  protocol.Dialer
	creds   CredentialStore
	ledger  RewardLedger
	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.RelayMetrics

	locks *keyedMutex

	mu       sync.RWMutex
	sessions map[string]*session
	closing  bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry validates deps and returns an empty Registry.
func NewRegistry(cfg Config, deps Deps) (*Registry, error) {
	if deps.Dialer == nil {
		return nil, errors.New("session: Dialer is required")
	}
	if deps.Credentials == nil {
		return nil, errors.New("session: Credentials is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("session: Ledger is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		dialer:   deps.Dialer,
		creds:    deps.Credentials,
		ledger:   deps.Ledger,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		locks:    newKeyedMutex(),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// spawn runs fn on a tracked goroutine unless shutdown has started.
// Reports whether fn was started.
func (r *Registry) spawn(fn func()) bool {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

// lock takes the per-user lock and rejects work after shutdown.
func (r *Registry) lock(ctx context.Context, userID string) (func(), error) {
	unlock, err := r.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	closing := r.closing
	r.mu.RUnlock()
	if closing {
		unlock()
		return nil, ErrShuttingDown
	}
	return unlock, nil
}

func (r *Registry) get(userID string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID]
}

// put installs s. Caller holds the user lock.
func (r *Registry) put(s *session) {
	r.mu.Lock()
	r.sessions[s.userID] = s
	n := len(r.sessions)
	r.mu.Unlock()
	r.metrics.SetActiveSessions(n)
}

// remove deletes userID's entry if it still points at s. Caller holds the
// user lock.
func (r *Registry) remove(s *session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.userID]; ok && cur == s {
		delete(r.sessions, s.userID)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	r.metrics.SetActiveSessions(n)
}

// dial creates and starts a session. The consumer is running before the
// caller issues any command.
func (r *Registry) dial(ctx context.Context, userID string, material []byte, m mode) (*session, error) {
	client, err := r.dialer.Dial(ctx, userID, material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolInit, err)
	}
	s := newSession(r, userID, client, m)
	return s, nil
}

// teardown retires s, logs it out and waits for its consumer to exit.
// Logout failures are tolerated. Caller holds the user lock.
func (r *Registry) teardown(ctx context.Context, s *session) {
	s.retire()

	if s.client != nil && !s.ended() {
		logoutCtx, cancel := context.WithTimeout(ctx, r.cfg.TeardownTimeout)
		err := s.client.Logout(logoutCtx)
		cancel()

		if err != nil {
			s.logger.Warn("logout failed during teardown", "error", err)
		} else {
			select {
			case <-s.done:
			case <-r.clock.After(r.cfg.TeardownTimeout):
				s.logger.Warn("session did not close after logout", "timeout", r.cfg.TeardownTimeout)
			}
		}
	}

	s.closeClient()
	r.remove(s)
	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()
}

// purge removes stored credentials and clears the bound flag.
func (r *Registry) purge(ctx context.Context, userID string) {
	if err := r.creds.Delete(ctx, userID); err != nil {
		r.logger.Error("failed to purge credentials", "user_id", userID, "error", err)
	}
	if err := r.ledger.SetBound(ctx, userID, false, ""); err != nil {
		r.logger.Error("failed to clear bound flag", "user_id", userID, "error", err)
	}
}

// =============================================================================
// Public Operations
// =============================================================================

// CheckStatus returns the session state for userID. A pending artifact is
// returned once and then cleared.
func (r *Registry) CheckStatus(userID string) Status {
	s := r.get(userID)
	if s == nil {
		return Status{UserID: userID, Status: StatusNotFound}
	}

	st, pending := s.status(true)
	if pending != nil {
		switch pending.kind {
		case artifactCode:
			st.PairingCode = pending.value
		case artifactQR:
			url, err := qr.DataURL(pending.value, r.cfg.QRImageSize)
			if err != nil {
				s.logger.Error("failed to render QR", "error", err)
			} else {
				st.QRCode = url
			}
		}
	}
	return st
}

// SendText sends body to recipient through userID's connected session.
//
// # Description
//
// recipient is a phone number (normalized like pairing numbers) or a full
// protocol address. Sends are at-most-once: a failure is returned as
// ErrDelivery and never retried.
//
// # Outputs
//
//   - error: ErrInvalidPhone, ErrNotConnected or ErrDelivery.
func (r *Registry) SendText(ctx context.Context, userID, recipient, body string) error {
	ctx, span := tracer.Start(ctx, "Registry.SendText",
		trace.WithAttributes(attribute.String("relay.user_id", userID)))
	defer span.End()

	address, err := addressFor(recipient, r.cfg.DefaultCountryCode, r.cfg.AddressSuffix)
	if err != nil {
		return err
	}

	s := r.get(userID)
	if s == nil || s.client == nil || s.State() != StateConnected {
		r.metrics.RecordSend("not_connected")
		return ErrNotConnected
	}

	if err := s.client.SendText(ctx, address, body); err != nil {
		r.metrics.RecordSend("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	r.metrics.RecordSend("success")
	return nil
}

// Unbind ends userID's binding: cancels any retry, logs out, purges the
// credentials, removes the entry and clears the bound flag. Unbinding an
// unknown user still purges stored state.
func (r *Registry) Unbind(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	unlock, err := r.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	if s := r.get(userID); s != nil {
		r.teardown(ctx, s)
	}
	r.purge(ctx, userID)
	r.logger.Info("user unbound", "user_id", userID)
	return nil
}

// ActiveCount returns the number of sessions that are not in StateError.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	list := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range list {
		if s.State() != StateError {
			n++
		}
	}
	return n
}

// Snapshot returns every session's status without consuming artifacts,
// sorted by user id.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	list := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(list))
	for _, s := range list {
		st, _ := s.status(false)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Shutdown stops retries and closes every client without logging out, so
// bindings survive a restart. Blocks until background work finishes or ctx
// ends.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	list := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	for _, s := range list {
		s.retire()
		s.closeClient()
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("session registry stopped", "sessions", len(list))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("registry shutdown: %w", ctx.Err())
	}
}
