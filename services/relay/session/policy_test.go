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
	"io"
	"log/slog"
	"testing"

	"github.com/AleutianAI/AleutianRelay/pkg/clock"
	"github.com/AleutianAI/AleutianRelay/services/relay/credentials"
	"github.com/AleutianAI/AleutianRelay/services/relay/ledger"
	"github.com/AleutianAI/AleutianRelay/services/relay/protocol"
	"github.com/AleutianAI/AleutianRelay/services/relay/protocol/protocoltest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(protocol.ReasonLoggedOut))
	assert.False(t, IsTerminal(protocol.ReasonConnectionLost))
	assert.False(t, IsTerminal(""))
	assert.False(t, IsTerminal("stream_error"))
}

// bindWithCredentials connects userID and waits until material is stored.
func (h *harness) bindWithCredentials(t *testing.T, userID string, material []byte) *protocoltest.Client {
	t.Helper()
	client := h.connect(t, userID, userID+"@s.whatsapp.net")
	require.True(t, client.UpdateCredentials(material))
	require.Eventually(t, func() bool {
		rec, err := h.creds.Load(context.Background(), userID)
		return err == nil && string(rec.Material) == string(material)
	}, waitFor, tick)
	return client
}

func TestPolicy_LoggedOutIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.OpenAccount(ctx, "u1", "")
	require.NoError(t, err)

	client := h.bindWithCredentials(t, "u1", []byte("keys"))
	client.Disconnect(protocol.ReasonLoggedOut)

	h.waitGone(t, "u1")
	assert.Equal(t, StatusNotFound, h.reg.CheckStatus("u1").Status)

	_, err = h.creds.Load(ctx, "u1")
	assert.ErrorIs(t, err, credentials.ErrNotFound)

	require.Eventually(t, func() bool {
		acct, err := h.ledger.Account(ctx, "u1")
		return err == nil && !acct.WhatsappConnected
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.TerminalDisconnectsTotal) == 1
	}, waitFor, tick)

	h.clock.Advance(DefaultRetryDelay)
	assert.Equal(t, 1, h.dialer.DialCount("u1"), "a terminal close must not reconnect")
}

func TestPolicy_TransientCloseReconnects(t *testing.T) {
	h := newHarness(t)
	client := h.bindWithCredentials(t, "u1", []byte("keys"))

	client.Disconnect(protocol.ReasonConnectionLost)
	h.waitState(t, "u1", StateRetrying)
	assert.Equal(t, StatusDisconnected, h.reg.CheckStatus("u1").Status)
	assert.Equal(t, 1, h.dialer.DialCount("u1"), "nothing happens before the delay")

	h.clock.Advance(DefaultRetryDelay)
	require.Eventually(t, func() bool { return h.dialer.DialCount("u1") == 2 }, waitFor, tick)

	next := h.dialer.Last("u1")
	assert.Equal(t, []byte("keys"), next.Credentials)
	require.Eventually(t, func() bool { return next.Connects() == 1 }, waitFor, tick)

	require.True(t, next.Open("u1@s.whatsapp.net"))
	h.waitState(t, "u1", StateConnected)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.ReconnectsTotal.WithLabelValues("success")) == 1
	}, waitFor, tick)

	// A later close restarts the chain.
	next.Disconnect(protocol.ReasonConnectionLost)
	h.waitState(t, "u1", StateRetrying)
	h.clock.Advance(DefaultRetryDelay)
	require.Eventually(t, func() bool { return h.dialer.DialCount("u1") == 3 }, waitFor, tick)
}

func TestPolicy_StreamEndWithoutCloseIsTransient(t *testing.T) {
	h := newHarness(t)
	client := h.bindWithCredentials(t, "u1", []byte("keys"))

	require.NoError(t, client.Close())
	h.waitState(t, "u1", StateRetrying)
}

func TestPolicy_FailedRetryDialReschedules(t *testing.T) {
	h := newHarness(t)
	client := h.bindWithCredentials(t, "u1", []byte("keys"))

	client.Disconnect(protocol.ReasonConnectionLost)
	h.waitState(t, "u1", StateRetrying)

	// Pending includes the retry timer; after a failed attempt the count
	// returns to the same value once the next timer is armed.
	armed := h.clock.Pending()
	h.dialer.FailNext(1, errors.New("bridge restarting"))
	h.clock.Advance(DefaultRetryDelay)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.ReconnectsTotal.WithLabelValues("failed")) == 1 &&
			h.clock.Pending() == armed
	}, waitFor, tick)
	st := h.reg.CheckStatus("u1")
	assert.Equal(t, StatusDisconnected, st.Status)
	assert.Contains(t, st.LastError, "bridge restarting")
	assert.Equal(t, 1, h.dialer.DialCount("u1"))

	h.clock.Advance(DefaultRetryDelay)
	require.Eventually(t, func() bool { return h.dialer.DialCount("u1") == 2 }, waitFor, tick)
}

func TestPolicy_RetryWithoutCredentialsDropsSession(t *testing.T) {
	h := newHarness(t)
	client := h.connect(t, "u1", "addr")

	client.Disconnect(protocol.ReasonConnectionLost)
	h.waitState(t, "u1", StateRetrying)
	h.clock.Advance(DefaultRetryDelay)

	h.waitGone(t, "u1")
	assert.Equal(t, 1, h.dialer.DialCount("u1"))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.ReconnectsTotal.WithLabelValues("abandoned")) == 1
	}, waitFor, tick)
}

func TestPolicy_UnbindCancelsRetry(t *testing.T) {
	h := newHarness(t)
	client := h.bindWithCredentials(t, "u1", []byte("keys"))

	client.Disconnect(protocol.ReasonConnectionLost)
	h.waitState(t, "u1", StateRetrying)

	require.NoError(t, h.reg.Unbind(context.Background(), "u1"))
	h.clock.Advance(DefaultRetryDelay)

	assert.Equal(t, 1, h.dialer.DialCount("u1"))
	assert.Equal(t, StatusNotFound, h.reg.CheckStatus("u1").Status)
}

func TestPolicy_ReplacementCancelsRetry(t *testing.T) {
	h := newHarness(t)
	client := h.bindWithCredentials(t, "u1", []byte("keys"))

	client.Disconnect(protocol.ReasonConnectionLost)
	h.waitState(t, "u1", StateRetrying)

	_, err := h.reg.RequestQRCode(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, h.dialer.DialCount("u1"))

	h.clock.Advance(DefaultRetryDelay)
	assert.Equal(t, 2, h.dialer.DialCount("u1"), "the replaced session's timer must not fire")
	assert.Equal(t, StatePendingQR, h.reg.get("u1").State())
}

// panicLedger panics on every inbound message.
type panicLedger struct{}

func (panicLedger) RecordMessage(context.Context, string, *protocol.Message) (ledger.Result, error) {
	panic("ledger exploded")
}

func (panicLedger) SetBound(context.Context, string, bool, string) error { return nil }

func TestSession_RecoversFromHandlerPanic(t *testing.T) {
	h := newHarness(t)
	dialer := protocoltest.NewDialer()
	reg, err := NewRegistry(Config{}, Deps{
		Dialer:      dialer,
		Credentials: h.creds,
		Ledger:      panicLedger{},
		Clock:       clock.Fake(h.clock.Now()),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	_, err = reg.RequestQRCode(context.Background(), "u1")
	require.NoError(t, err)
	client := dialer.Last("u1")
	require.True(t, client.Open("addr"))
	require.True(t, client.Message(protocol.Message{ID: "1", From: "peer", Body: "boom"}))

	require.Eventually(t, func() bool {
		return reg.CheckStatus("u1").LastError != ""
	}, waitFor, tick)
	st := reg.CheckStatus("u1")
	assert.Equal(t, StatusConnected, st.Status, "the consumer survives a panicking handler")
	assert.Contains(t, st.LastError, string(protocol.EventMessage))
}
