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

// State is the lifecycle state of a session.
//
//	uninitialized → pending_code | pending_qr → connected → disconnected
//	  → retrying → pending_code | pending_qr | connected
//	  → terminated
type State string

const (
	StateUninitialized State = "uninitialized"
	StatePendingCode   State = "pending_code"
	StatePendingQR     State = "pending_qr"
	StateConnected     State = "connected"
	StateDisconnected  State = "disconnected"
	StateRetrying      State = "retrying"
	StateTerminated    State = "terminated"

	// StateError marks a session whose creation failed. It holds no live
	// protocol client and is replaced by the next pairing request.
	StateError State = "error"
)

// External status values reported by CheckStatus.
const (
	StatusNotFound     = "not_found"
	StatusPendingQR    = "pending_qr"
	StatusPendingCode  = "pending_code"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// External maps a State to the status reported to clients.
func (s State) External() string {
	switch s {
	case StatePendingCode:
		return StatusPendingCode
	case StatePendingQR:
		return StatusPendingQR
	case StateConnected:
		return StatusConnected
	case StateError:
		return StatusError
	case StateTerminated:
		return StatusNotFound
	default:
		return StatusDisconnected
	}
}

// Status is a point-in-time view of one session.
type Status struct {
	UserID string
	State  State

	// Status is State.External(), or StatusNotFound.
	Status string

	// PairingCode is set when a pending code was consumed by this read.
	PairingCode string

	// QRCode is a PNG data URL, set when a pending QR was consumed.
	QRCode string

	BoundAddress string
	LastError    string
}
