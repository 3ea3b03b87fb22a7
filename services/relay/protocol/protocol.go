// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol defines the boundary between the relay and a messaging
// protocol implementation.
//
// A Client is one live protocol connection for one user. It exposes its
// lifecycle as a bounded, ordered channel of typed Events and accepts a
// small command surface. The relay never sees handshake, encryption or
// message encoding details.
//
// # Event ordering
//
// Events for one Client are delivered in the order the protocol produced
// them. credentials_updated is never reordered relative to open or close.
// The Events channel is closed after the final event; a Client that loses
// its transport emits a close event with ReasonConnectionLost first.
//
// # Implementations
//
//   - wsbridge: talks to an external protocol bridge over a websocket
//   - protocoltest: in-memory fake for tests
package protocol

import (
	"context"
	"errors"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	// EventQR carries a QR payload for device linking.
	EventQR EventType = "qr"

	// EventPairingCode carries the code requested by RequestPairingCode.
	EventPairingCode EventType = "pairing_code_ready"

	// EventOpen reports a fully authenticated connection.
	EventOpen EventType = "open"

	// EventClose reports the end of the connection. Reason says why.
	EventClose EventType = "close"

	// EventMessage carries one inbound message.
	EventMessage EventType = "message_received"

	// EventCredentials carries updated credential material to persist.
	EventCredentials EventType = "credentials_updated"
)

// Close reasons with relay-visible meaning. Any other reason is transient.
const (
	// ReasonLoggedOut means the remote end revoked the binding.
	ReasonLoggedOut = "logged_out"

	// ReasonConnectionLost means the transport to the protocol dropped.
	ReasonConnectionLost = "connection_lost"
)

// Event is one lifecycle event. Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	// QR is the raw QR payload (EventQR).
	QR string

	// PairingCode is the raw code (EventPairingCode).
	PairingCode string

	// Address is the bound network identity (EventOpen).
	Address string

	// Reason explains a disconnect (EventClose).
	Reason string

	// Message is the inbound message (EventMessage).
	Message *Message

	// Credentials is opaque credential material (EventCredentials).
	Credentials []byte
}

// Message is an inbound message as seen by the relay.
type Message struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	Body     string `json:"body"`
	FromSelf bool   `json:"fromSelf"`

	// Stub marks protocol status/stub events that carry no user content.
	Stub bool `json:"stub"`
}

// Client is one live protocol connection.
//
// # Thread Safety
//
// Commands may be called from any goroutine. Events must be drained by a
// single consumer.
type Client interface {
	// Events returns the event stream. The same channel is returned on
	// every call.
	Events() <-chan Event

	// Connect starts the protocol handshake using the credentials the
	// Client was dialled with. Unpaired clients begin emitting EventQR.
	Connect(ctx context.Context) error

	// RequestPairingCode asks the protocol for a phone-number pairing
	// code. The code arrives as EventPairingCode.
	RequestPairingCode(ctx context.Context, phone string) error

	// SendText sends body to address. There is no retry.
	SendText(ctx context.Context, address, body string) error

	// Logout revokes the binding. A successful logout is followed by
	// EventClose with ReasonLoggedOut.
	Logout(ctx context.Context) error

	// Close releases the connection without revoking the binding.
	Close() error
}

// Dialer creates Clients.
type Dialer interface {
	// Dial opens a Client for userID. credentials is nil for a fresh
	// binding. The Client has not issued any command when Dial returns.
	Dial(ctx context.Context, userID string, credentials []byte) (Client, error)
}

var (
	// ErrClosed is returned by commands on a closed Client.
	ErrClosed = errors.New("protocol client closed")

	// ErrCommandRejected is returned when the protocol refuses a command.
	ErrCommandRejected = errors.New("protocol command rejected")
)
