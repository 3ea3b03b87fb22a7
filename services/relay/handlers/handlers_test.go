// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/ledger"
	"github.com/AleutianAI/AleutianRelay/services/relay/session"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type mockSessions struct {
	pairCode string
	pairErr  error
	qr       string
	qrErr    error
	status   session.Status
	sendErr  error
	unbind   error
	active   int

	gotUser      string
	gotPhone     string
	gotRecipient string
	gotBody      string
}

func (m *mockSessions) RequestPairingCode(_ context.Context, userID, phone string) (string, error) {
	m.gotUser, m.gotPhone = userID, phone
	return m.pairCode, m.pairErr
}

func (m *mockSessions) RequestQRCode(_ context.Context, userID string) (string, error) {
	m.gotUser = userID
	return m.qr, m.qrErr
}

func (m *mockSessions) CheckStatus(userID string) session.Status {
	m.gotUser = userID
	return m.status
}

func (m *mockSessions) SendText(_ context.Context, userID, recipient, body string) error {
	m.gotUser, m.gotRecipient, m.gotBody = userID, recipient, body
	return m.sendErr
}

func (m *mockSessions) Unbind(_ context.Context, userID string) error {
	m.gotUser = userID
	return m.unbind
}

func (m *mockSessions) ActiveCount() int { return m.active }

type mockAccounts struct {
	accounts map[string]*ledger.Account
}

func (m *mockAccounts) Account(_ context.Context, userID string) (*ledger.Account, error) {
	if acct, ok := m.accounts[userID]; ok {
		return acct, nil
	}
	return nil, fmt.Errorf("account %s: %w", userID, ledger.ErrAccountNotFound)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (r *recordingAudit) Log(_ context.Context, e extensions.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func newRouter(s *mockSessions, a *recordingAudit) *gin.Engine {
	deps := Deps{
		Sessions: s,
		Accounts: &mockAccounts{accounts: map[string]*ledger.Account{
			"u1": {UserID: "u1", Balance: 1.26, WhatsappTodayCount: 2, WhatsappConnected: true},
		}},
	}
	if a != nil {
		deps.Audit = a
	}

	router := gin.New()
	router.GET("/health", HealthCheck(s))
	router.POST("/request-pairing-code", RequestPairingCode(deps))
	router.POST("/request-qr-code/:userId", RequestQRCode(deps))
	router.POST("/initiate-qr-session", InitiateQRSession(deps))
	router.GET("/check-status/:userId", CheckStatus(deps))
	router.POST("/send-message", SendMessage(deps))
	router.POST("/unbind/:userId", Unbind(deps))
	router.GET("/accounts/:userId", GetAccount(deps))
	return router
}

func perform(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) datatypes.ErrorResponse {
	t.Helper()
	var resp datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// =============================================================================
// Health Tests
// =============================================================================

func TestHealthCheck_ReportsActiveSessions(t *testing.T) {
	w := perform(newRouter(&mockSessions{active: 3}, nil), http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","activeSessions":3}`, w.Body.String())
}

// =============================================================================
// Pairing Tests
// =============================================================================

func TestRequestPairingCode_Success(t *testing.T) {
	s := &mockSessions{pairCode: "ABCD-1234"}
	a := &recordingAudit{}
	w := perform(newRouter(s, a), http.MethodPost, "/request-pairing-code",
		map[string]string{"phoneNumber": "9876543210", "userId": "u1"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pairingCode":"ABCD-1234"}`, w.Body.String())
	assert.Equal(t, "u1", s.gotUser)
	assert.Equal(t, "9876543210", s.gotPhone)

	require.Len(t, a.events, 1)
	assert.Equal(t, "session.pair", a.events[0].EventType)
	assert.Equal(t, "success", a.events[0].Outcome)
}

func TestRequestPairingCode_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid phone", fmt.Errorf("%w: too short", session.ErrInvalidPhone), http.StatusBadRequest, datatypes.CodeInvalidRequest},
		{"conflict", session.ErrAlreadyRegistered, http.StatusConflict, datatypes.CodeAlreadyRegistered},
		{"dial failure", fmt.Errorf("%w: dial tcp: refused", session.ErrProtocolInit), http.StatusInternalServerError, datatypes.CodeProtocolInitFailed},
		{"timeout", session.ErrArtifactTimeout, http.StatusInternalServerError, datatypes.CodeArtifactTimeout},
		{"replaced", session.ErrSessionEnded, http.StatusInternalServerError, datatypes.CodeSessionEnded},
		{"shutting down", session.ErrShuttingDown, http.StatusServiceUnavailable, datatypes.CodeShuttingDown},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, datatypes.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &recordingAudit{}
			w := perform(newRouter(&mockSessions{pairErr: tt.err}, a), http.MethodPost, "/request-pairing-code",
				map[string]string{"phoneNumber": "9876543210", "userId": "u1"})

			assert.Equal(t, tt.status, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotContains(t, resp.Error, "refused", "internal detail must not leak")

			require.Len(t, a.events, 1)
			assert.Equal(t, "failure", a.events[0].Outcome)
			assert.Equal(t, tt.code, a.events[0].Detail)
		})
	}
}

func TestRequestPairingCode_BadBody(t *testing.T) {
	s := &mockSessions{}
	router := newRouter(s, nil)

	w := perform(router, http.MethodPost, "/request-pairing-code", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(router, http.MethodPost, "/request-pairing-code", map[string]string{"userId": "u1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, datatypes.CodeInvalidRequest, decodeError(t, w).Code)
	assert.Empty(t, s.gotUser, "registry must not be called for invalid input")
}

func TestRequestQRCode_PathAndBody(t *testing.T) {
	s := &mockSessions{qr: "data:image/png;base64,AAAA"}
	router := newRouter(s, nil)

	w := perform(router, http.MethodPost, "/request-qr-code/u7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"qrCode":"data:image/png;base64,AAAA"}`, w.Body.String())
	assert.Equal(t, "u7", s.gotUser)

	w = perform(router, http.MethodPost, "/initiate-qr-session", map[string]string{"userId": "u8"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u8", s.gotUser)

	w = perform(router, http.MethodPost, "/initiate-qr-session", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestQRCode_Timeout(t *testing.T) {
	w := perform(newRouter(&mockSessions{qrErr: session.ErrArtifactTimeout}, nil),
		http.MethodPost, "/request-qr-code/u1", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, datatypes.CodeArtifactTimeout, decodeError(t, w).Code)
}

// =============================================================================
// Status Tests
// =============================================================================

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		name   string
		status session.Status
		want   string
	}{
		{
			name:   "not found",
			status: session.Status{Status: session.StatusNotFound},
			want:   `{"status":"not_found"}`,
		},
		{
			name:   "pending code",
			status: session.Status{Status: session.StatusPendingCode, PairingCode: "ABCD-1234"},
			want:   `{"status":"pending_code","pairingCode":"ABCD-1234"}`,
		},
		{
			name:   "connected",
			status: session.Status{Status: session.StatusConnected, BoundAddress: "91@s.whatsapp.net"},
			want:   `{"status":"connected","boundAddress":"91@s.whatsapp.net"}`,
		},
		{
			name:   "error",
			status: session.Status{Status: session.StatusError, LastError: "connect: refused"},
			want:   `{"status":"error","lastError":"connect: refused"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := perform(newRouter(&mockSessions{status: tt.status}, nil), http.MethodGet, "/check-status/u1", nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, tt.want, w.Body.String())
		})
	}
}

// =============================================================================
// Send Tests
// =============================================================================

func TestSendMessage(t *testing.T) {
	s := &mockSessions{}
	a := &recordingAudit{}
	w := perform(newRouter(s, a), http.MethodPost, "/send-message",
		map[string]string{"userId": "u1", "recipient": "9876543210", "message": "hello"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())
	assert.Equal(t, "9876543210", s.gotRecipient)
	assert.Equal(t, "hello", s.gotBody)
	require.Len(t, a.events, 1)
	assert.Equal(t, "message.send", a.events[0].EventType)
}

func TestSendMessage_Errors(t *testing.T) {
	body := map[string]string{"userId": "u1", "recipient": "9876543210", "message": "hello"}

	w := perform(newRouter(&mockSessions{sendErr: session.ErrNotConnected}, nil), http.MethodPost, "/send-message", body)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, datatypes.CodeNotConnected, decodeError(t, w).Code)

	w = perform(newRouter(&mockSessions{sendErr: fmt.Errorf("%w: write: broken pipe", session.ErrDelivery)}, nil),
		http.MethodPost, "/send-message", body)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, datatypes.CodeDeliveryFailed, decodeError(t, w).Code)

	w = perform(newRouter(&mockSessions{}, nil), http.MethodPost, "/send-message",
		map[string]string{"userId": "u1", "recipient": "9876543210"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Unbind & Account Tests
// =============================================================================

func TestUnbind(t *testing.T) {
	s := &mockSessions{}
	a := &recordingAudit{}
	w := perform(newRouter(s, a), http.MethodPost, "/unbind/u1", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", s.gotUser)
	require.Len(t, a.events, 1)
	assert.Equal(t, "session.unbind", a.events[0].EventType)
	assert.Equal(t, "anonymous", a.events[0].Actor)
}

func TestGetAccount(t *testing.T) {
	router := newRouter(&mockSessions{}, nil)

	w := perform(router, http.MethodGet, "/accounts/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var acct datatypes.AccountResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acct))
	assert.Equal(t, 1.26, acct.Balance)
	assert.True(t, acct.WhatsappConnected)

	w = perform(router, http.MethodGet, "/accounts/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, datatypes.CodeAccountNotFound, decodeError(t, w).Code)
}

func TestClassify_DefaultsToInternal(t *testing.T) {
	status, msg, code := classify(errors.New("disk full"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal error", msg)
	assert.Equal(t, datatypes.CodeInternal, code)
}
