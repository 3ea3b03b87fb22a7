// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the relay control surface endpoints.
//
// Handlers are constructors returning gin.HandlerFunc closures over their
// collaborators. Every error leaves as datatypes.ErrorResponse with a fixed
// message and machine code; internal detail is logged, never returned.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/ledger"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/session"
	"github.com/gin-gonic/gin"
)

// Sessions is the slice of session.Registry the handlers use.
type Sessions interface {
	RequestPairingCode(ctx context.Context, userID, phoneNumber string) (string, error)
	RequestQRCode(ctx context.Context, userID string) (string, error)
	CheckStatus(userID string) session.Status
	SendText(ctx context.Context, userID, recipient, body string) error
	Unbind(ctx context.Context, userID string) error
	ActiveCount() int
}

// Accounts reads ledger accounts.
type Accounts interface {
	Account(ctx context.Context, userID string) (*ledger.Account, error)
}

var (
	_ Sessions = (*session.Registry)(nil)
	_ Accounts = (*ledger.Ledger)(nil)
)

// Deps bundles handler collaborators.
type Deps struct {
	Sessions Sessions
	Accounts Accounts

	// Optional.
	Audit  extensions.AuditLogger
	Logger *slog.Logger
}

func (d Deps) normalize() Deps {
	if d.Audit == nil {
		d.Audit = &extensions.NopAuditLogger{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// =============================================================================
// Error Mapping
// =============================================================================

type errorMapping struct {
	target  error
	status  int
	message string
	code    string
}

// errorTable is checked in order with errors.Is.
var errorTable = []errorMapping{
	{datatypes.ErrInvalidRequest, http.StatusBadRequest, "invalid request", datatypes.CodeInvalidRequest},
	{session.ErrInvalidUserID, http.StatusBadRequest, "invalid userId", datatypes.CodeInvalidRequest},
	{session.ErrInvalidPhone, http.StatusBadRequest, "invalid phone number", datatypes.CodeInvalidRequest},
	{session.ErrAlreadyRegistered, http.StatusConflict, "user already registered", datatypes.CodeAlreadyRegistered},
	{session.ErrNotConnected, http.StatusNotFound, "session not connected", datatypes.CodeNotConnected},
	{ledger.ErrAccountNotFound, http.StatusNotFound, "account not found", datatypes.CodeAccountNotFound},
	{session.ErrProtocolInit, http.StatusInternalServerError, "failed to initialize session", datatypes.CodeProtocolInitFailed},
	{session.ErrArtifactTimeout, http.StatusInternalServerError, "timed out waiting for pairing artifact", datatypes.CodeArtifactTimeout},
	{context.DeadlineExceeded, http.StatusInternalServerError, "timed out waiting for pairing artifact", datatypes.CodeArtifactTimeout},
	{session.ErrSessionEnded, http.StatusInternalServerError, "session ended before pairing completed", datatypes.CodeSessionEnded},
	{session.ErrDelivery, http.StatusInternalServerError, "failed to send message", datatypes.CodeDeliveryFailed},
	{session.ErrShuttingDown, http.StatusServiceUnavailable, "service is shutting down", datatypes.CodeShuttingDown},
}

// classify maps err to a status, public message and code.
func classify(err error) (int, string, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return m.status, m.message, m.code
		}
	}
	return http.StatusInternalServerError, "internal error", datatypes.CodeInternal
}

// abortWithError writes the mapped error response and logs server-side
// failures with full detail.
func abortWithError(c *gin.Context, logger *slog.Logger, err error) string {
	status, message, code := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "route", c.FullPath(), "code", code, "error", err)
	} else {
		logger.Debug("request rejected", "route", c.FullPath(), "code", code, "error", err)
	}
	c.AbortWithStatusJSON(status, datatypes.ErrorResponse{Error: message, Code: code})
	return code
}

// audit records an event; failures are logged and otherwise ignored.
func audit(c *gin.Context, d Deps, eventType, userID string, err error, code string) {
	event := extensions.AuditEvent{
		EventType: eventType,
		Actor:     middleware.Actor(c),
		UserID:    userID,
		Outcome:   "success",
	}
	if err != nil {
		event.Outcome = "failure"
		event.Detail = code
	}
	if logErr := d.Audit.Log(c.Request.Context(), event); logErr != nil {
		d.Logger.Warn("audit log failed", "event_type", eventType, "error", logErr)
	}
}
