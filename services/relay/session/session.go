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
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianRelay/pkg/clock"
	"github.com/AleutianAI/AleutianRelay/services/relay/protocol"
	"github.com/google/uuid"
)

// artifactKind identifies a pairing artifact.
type artifactKind int

const (
	artifactCode artifactKind = iota + 1
	artifactQR
)

func (k artifactKind) String() string {
	if k == artifactQR {
		return "qr"
	}
	return "pairing_code"
}

// mode restricts which artifacts a session publishes. A pairing-code
// session ignores QR rotations and vice versa; a recovered session
// publishes whatever the protocol produces.
type mode int

const (
	modeRecovered mode = iota
	modeCode
	modeQR
)

func (m mode) accepts(k artifactKind) bool {
	switch m {
	case modeCode:
		return k == artifactCode
	case modeQR:
		return k == artifactQR
	default:
		return true
	}
}

type artifact struct {
	kind  artifactKind
	value string
}

// waiter is a one-shot artifact subscription.
type waiter struct {
	kind artifactKind
	ch   chan string
}

// session is one protocol client plus its event consumer.
//
// The consumer goroutine (run) is the only writer of connection state.
// Registry operations read state under mu and mark the session retired
// before tearing it down.
type session struct {
	id     string
	userID string
	client protocol.Client
	mode   mode
	reg    *Registry
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	boundAddress string
	pending      *artifact
	waiter       *waiter
	lastError    string
	listening    bool
	retired      bool
	retryTimer   *clock.Timer
	closeReason  string

	done chan struct{}
}

func newSession(r *Registry, userID string, client protocol.Client, m mode) *session {
	id := uuid.NewString()
	return &session{
		id:     id,
		userID: userID,
		client: client,
		mode:   m,
		reg:    r,
		logger: r.logger.With("user_id", userID, "session_id", id),
		state:  StateUninitialized,
		done:   make(chan struct{}),
	}
}

// newPlaceholder returns a session without a client, used to hold a retry
// timer when no client could be dialled.
func newPlaceholder(r *Registry, userID string, lastError string) *session {
	s := newSession(r, userID, nil, modeRecovered)
	s.state = StateRetrying
	s.lastError = lastError
	close(s.done)
	return s
}

// start launches the event consumer. Must be called before any command is
// issued to the client.
func (s *session) start() {
	if !s.reg.spawn(s.run) {
		go s.run()
	}
}

func (s *session) run() {
	defer close(s.done)

	reason := protocol.ReasonConnectionLost
	for ev := range s.client.Events() {
		if ev.Type == protocol.EventClose {
			reason = ev.Reason
			break
		}
		s.dispatch(ev)
	}

	s.mu.Lock()
	s.closeReason = reason
	retired := s.retired
	if !retired {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	s.logger.Info("session closed", "reason", reason, "retired", retired)
	if !retired {
		s.reg.metrics.RecordTransition(string(StateDisconnected))
	}
	s.reg.spawn(func() { s.reg.onClosed(s, reason) })
}

// dispatch handles one event, recovering from handler panics so a bad
// event cannot take down the consumer.
func (s *session) dispatch(ev protocol.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic handling session event", "event", ev.Type, "panic", fmt.Sprint(rec))
			s.mu.Lock()
			s.lastError = fmt.Sprintf("internal error handling %s", ev.Type)
			s.mu.Unlock()
		}
	}()

	ctx := s.reg.ctx
	switch ev.Type {
	case protocol.EventCredentials:
		s.onCredentials(ctx, ev.Credentials)
	case protocol.EventQR:
		s.publish(artifactQR, ev.QR)
	case protocol.EventPairingCode:
		code, err := FormatPairingCode(ev.PairingCode)
		if err != nil {
			s.logger.Warn("discarding malformed pairing code", "error", err)
			return
		}
		s.publish(artifactCode, code)
	case protocol.EventOpen:
		s.onOpen(ctx, ev.Address)
	case protocol.EventMessage:
		s.onMessage(ctx, ev.Message)
	default:
		s.logger.Debug("ignoring event", "event", ev.Type)
	}
}

func (s *session) onCredentials(ctx context.Context, material []byte) {
	if s.isRetired() {
		return
	}
	if err := s.reg.creds.Save(ctx, s.userID, material); err != nil {
		s.logger.Error("failed to persist credentials", "error", err)
		return
	}
	s.logger.Debug("credentials updated", "bytes", len(material))
}

// publish hands an artifact to the waiting caller, or parks it for the
// next status read.
func (s *session) publish(kind artifactKind, value string) {
	if !s.mode.accepts(kind) {
		return
	}

	next := StatePendingQR
	if kind == artifactCode {
		next = StatePendingCode
	}

	s.mu.Lock()
	if s.retired || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	changed := s.state != next
	s.state = next
	if w := s.waiter; w != nil && w.kind == kind {
		s.waiter = nil
		s.pending = nil
		w.ch <- value
	} else {
		s.pending = &artifact{kind: kind, value: value}
	}
	s.mu.Unlock()

	if changed {
		s.reg.metrics.RecordTransition(string(next))
	}
}

func (s *session) onOpen(ctx context.Context, address string) {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.boundAddress = address
	s.pending = nil
	s.lastError = ""
	attach := !s.listening
	s.listening = true
	s.mu.Unlock()

	s.reg.metrics.RecordTransition(string(StateConnected))
	if attach {
		s.logger.Info("session connected, message listener attached")
	}
	if err := s.reg.ledger.SetBound(ctx, s.userID, true, address); err != nil {
		s.logger.Error("failed to set bound flag", "error", err)
	}
}

func (s *session) onMessage(ctx context.Context, msg *protocol.Message) {
	s.mu.Lock()
	listening := s.listening && !s.retired
	s.mu.Unlock()
	if !listening {
		return
	}

	res, err := s.reg.ledger.RecordMessage(ctx, s.userID, msg)
	if err != nil {
		s.reg.metrics.RecordInbound("error")
		s.logger.Error("ledger transaction failed", "error", err)
		return
	}
	s.reg.metrics.RecordInbound(string(res.Outcome))
}

// watch registers a one-shot waiter. Must be called before the command
// that produces the artifact.
func (s *session) watch(kind artifactKind) *waiter {
	w := &waiter{kind: kind, ch: make(chan string, 1)}
	s.mu.Lock()
	s.waiter = w
	s.mu.Unlock()
	return w
}

// await blocks until w fires, the timeout elapses, ctx ends or the session
// ends. The waiter is detached on every path.
func (s *session) await(ctx context.Context, w *waiter) (string, error) {
	timeout := s.reg.clock.After(s.reg.cfg.ArtifactTimeout)

	var cause error
	select {
	case v := <-w.ch:
		return v, nil
	case <-timeout:
		cause = ErrArtifactTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	case <-s.done:
		cause = ErrSessionEnded
	}

	s.mu.Lock()
	if s.waiter == w {
		s.waiter = nil
	}
	s.mu.Unlock()

	select {
	case v := <-w.ch:
		return v, nil
	default:
		return "", cause
	}
}

// status returns a snapshot. consume clears the pending artifact.
func (s *session) status(consume bool) (Status, *artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		UserID:       s.userID,
		State:        s.state,
		Status:       s.state.External(),
		BoundAddress: s.boundAddress,
		LastError:    s.lastError,
	}
	pending := s.pending
	if consume {
		s.pending = nil
	}
	return st, pending
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.reg.metrics.RecordTransition(string(state))
}

func (s *session) setError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

func (s *session) isRetired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

// retire detaches the session from the policy and cancels its retry timer.
func (s *session) retire() {
	s.mu.Lock()
	s.retired = true
	timer := s.retryTimer
	s.retryTimer = nil
	s.waiter = nil
	s.mu.Unlock()
	timer.Stop()
}

func (s *session) setRetryTimer(t *clock.Timer) {
	s.mu.Lock()
	old := s.retryTimer
	s.retryTimer = t
	s.mu.Unlock()
	old.Stop()
}

func (s *session) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) closeClient() {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		s.logger.Debug("close protocol client", "error", err)
	}
}

func (s *session) lastErrorSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}
