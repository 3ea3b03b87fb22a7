// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent is one security-relevant action on the control surface.
//
// Example:
//
//	event := extensions.AuditEvent{
//	    EventType: "session.unbind",
//	    Actor:     authInfo.Subject,
//	    UserID:    userID,
//	    Outcome:   "success",
//	}
type AuditEvent struct {
	// EventType has the form "category.action", e.g. "session.pair",
	// "session.unbind", "message.send".
	EventType string

	// Timestamp is when the event occurred. Zero means "now" (UTC).
	Timestamp time.Time

	// Actor is the authenticated caller (AuthInfo.Subject).
	Actor string

	// UserID is the end user whose binding was affected.
	UserID string

	// Outcome is "success", "failure" or "rejected".
	Outcome string

	// Detail holds a short machine code for failures (e.g. "not_connected").
	// Never holds message bodies, phone numbers or credential material.
	Detail string
}

// AuditLogger records audit events.
//
// # Description
//
// Log must not block the request path for long; implementations that ship
// events remotely should buffer. A returned error is logged by the caller
// and otherwise ignored.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log does nothing.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error {
	return nil
}

// SlogAuditLogger writes events as structured log records at Info level
// under the "audit" group.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger returns an AuditLogger backed by logger. A nil logger
// uses slog.Default().
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log emits event.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	l.logger.InfoContext(ctx, "audit",
		slog.Group("audit",
			slog.String("event_type", event.EventType),
			slog.Time("timestamp", ts),
			slog.String("actor", event.Actor),
			slog.String("user_id", event.UserID),
			slog.String("outcome", event.Outcome),
			slog.String("detail", event.Detail),
		),
	)
	return nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
