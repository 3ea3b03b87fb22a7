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

import "errors"

// -----------------------------------------------------------------------------
// Session Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidUserID is returned for an empty user id.
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrInvalidPhone is returned when a phone number cannot be normalized.
	ErrInvalidPhone = errors.New("invalid phone number")

	// ErrAlreadyRegistered is returned when a pairing is requested for a
	// user whose session is connected.
	ErrAlreadyRegistered = errors.New("user already registered")

	// ErrProtocolInit is returned when the protocol client cannot be
	// created or refuses the first commands.
	ErrProtocolInit = errors.New("protocol initialization failed")

	// ErrArtifactTimeout is returned when no pairing code or QR arrives in
	// time. The session keeps connecting in the background.
	ErrArtifactTimeout = errors.New("timed out waiting for pairing artifact")

	// ErrSessionEnded is returned when the session closes while a caller
	// waits for an artifact.
	ErrSessionEnded = errors.New("session ended before the artifact arrived")

	// ErrNotConnected is returned by SendText when the session is absent
	// or not connected.
	ErrNotConnected = errors.New("session not connected")

	// ErrDelivery wraps a failed send. Sends are never retried.
	ErrDelivery = errors.New("message delivery failed")

	// ErrShuttingDown is returned once Shutdown has started.
	ErrShuttingDown = errors.New("registry is shutting down")
)
