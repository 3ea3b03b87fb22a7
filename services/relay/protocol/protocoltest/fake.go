// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocoltest provides an in-memory protocol.Dialer for tests.
//
// Default client behavior:
//
//   - Connect emits the configured QR payload when dialled without credentials
//   - RequestPairingCode emits the configured pairing code
//   - Logout emits close(logged_out) and ends the event stream
//   - SendText records the send
//
// Each behavior can be replaced with a hook. Tests drive the remaining
// lifecycle with Emit, Open, Message and Disconnect.
package protocoltest

import (
	"context"
	"sync"

	"github.com/AleutianAI/AleutianRelay/services/relay/protocol"
)

// Default artifacts handed to new clients.
const (
	DefaultQR          = "2@fake-qr-payload"
	DefaultPairingCode = "ABCD1234"
)

// eventBuffer is large enough that tests never block on Emit.
const eventBuffer = 256

// Sent is one recorded SendText call.
type Sent struct {
	Address string
	Body    string
}

// =============================================================================
// Dialer
// =============================================================================

// Dialer is a fake protocol.Dialer.
type Dialer struct {
	// QR and PairingCode seed new clients. Empty disables the default
	// emission.
	QR          string
	PairingCode string

	// Configure runs on each new client before Dial returns.
	Configure func(c *Client)

	mu      sync.Mutex
	clients map[string][]*Client
	dialErr error
	failN   int
}

// NewDialer returns a Dialer seeded with DefaultQR and DefaultPairingCode.
func NewDialer() *Dialer {
	return &Dialer{
		QR:          DefaultQR,
		PairingCode: DefaultPairingCode,
		clients:     make(map[string][]*Client),
	}
}

// FailNext makes the next n Dial calls return err. n < 0 fails forever.
func (d *Dialer) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failN = n
	d.dialErr = err
}

// Dial implements protocol.Dialer.
func (d *Dialer) Dial(ctx context.Context, userID string, credentials []byte) (protocol.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.failN != 0 {
		if d.failN > 0 {
			d.failN--
		}
		err := d.dialErr
		d.mu.Unlock()
		return nil, err
	}
	c := &Client{
		UserID:      userID,
		Credentials: append([]byte(nil), credentials...),
		QR:          d.QR,
		PairingCode: d.PairingCode,
		events:      make(chan protocol.Event, eventBuffer),
	}
	if len(credentials) == 0 {
		c.Credentials = nil
	}
	d.clients[userID] = append(d.clients[userID], c)
	configure := d.Configure
	d.mu.Unlock()

	if configure != nil {
		configure(c)
	}
	return c, nil
}

// Clients returns every client dialled for userID, oldest first.
func (d *Dialer) Clients(userID string) []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Client(nil), d.clients[userID]...)
}

// Last returns the most recent client for userID, or nil.
func (d *Dialer) Last(userID string) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.clients[userID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// DialCount returns the number of successful dials for userID.
func (d *Dialer) DialCount(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients[userID])
}

// =============================================================================
// Client
// =============================================================================

// Client is a fake protocol.Client.
type Client struct {
	UserID      string
	Credentials []byte
	QR          string
	PairingCode string

	// Hooks replace the default behavior of the matching command.
	OnConnect            func(c *Client) error
	OnRequestPairingCode func(c *Client, phone string) error
	OnSendText           func(c *Client, address, body string) error
	OnLogout             func(c *Client) error

	events chan protocol.Event

	mu       sync.Mutex
	finished bool
	connects int
	logouts  int
	closes   int
	phones   []string
	sent     []Sent
}

func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

func (c *Client) Connect(_ context.Context) error {
	c.mu.Lock()
	c.connects++
	hook := c.OnConnect
	c.mu.Unlock()

	if hook != nil {
		return hook(c)
	}
	if c.Credentials == nil && c.QR != "" {
		c.Emit(protocol.Event{Type: protocol.EventQR, QR: c.QR})
	}
	return nil
}

func (c *Client) RequestPairingCode(_ context.Context, phone string) error {
	c.mu.Lock()
	c.phones = append(c.phones, phone)
	hook := c.OnRequestPairingCode
	c.mu.Unlock()

	if hook != nil {
		return hook(c, phone)
	}
	if c.PairingCode != "" {
		c.Emit(protocol.Event{Type: protocol.EventPairingCode, PairingCode: c.PairingCode})
	}
	return nil
}

func (c *Client) SendText(_ context.Context, address, body string) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return protocol.ErrClosed
	}
	hook := c.OnSendText
	c.mu.Unlock()

	if hook != nil {
		if err := hook(c, address, body); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.sent = append(c.sent, Sent{Address: address, Body: body})
	c.mu.Unlock()
	return nil
}

func (c *Client) Logout(_ context.Context) error {
	c.mu.Lock()
	c.logouts++
	hook := c.OnLogout
	c.mu.Unlock()

	if hook != nil {
		return hook(c)
	}
	c.Disconnect(protocol.ReasonLoggedOut)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.finish()
	return nil
}

// Emit delivers ev. Returns false once the stream has ended.
func (c *Client) Emit(ev protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.events <- ev
	return true
}

// Open emits open with address.
func (c *Client) Open(address string) bool {
	return c.Emit(protocol.Event{Type: protocol.EventOpen, Address: address})
}

// Message emits message_received.
func (c *Client) Message(msg protocol.Message) bool {
	return c.Emit(protocol.Event{Type: protocol.EventMessage, Message: &msg})
}

// UpdateCredentials emits credentials_updated.
func (c *Client) UpdateCredentials(material []byte) bool {
	return c.Emit(protocol.Event{Type: protocol.EventCredentials, Credentials: material})
}

// Disconnect emits close with reason and ends the event stream.
func (c *Client) Disconnect(reason string) {
	c.Emit(protocol.Event{Type: protocol.EventClose, Reason: reason})
	c.finish()
}

func (c *Client) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		c.finished = true
		close(c.events)
	}
}

// Connects returns the number of Connect calls.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Logouts returns the number of Logout calls.
func (c *Client) Logouts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logouts
}

// Closes returns the number of Close calls.
func (c *Client) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Phones returns the phone numbers passed to RequestPairingCode.
func (c *Client) Phones() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.phones...)
}

// Sent returns the recorded sends.
func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Finished reports whether the event stream has ended.
func (c *Client) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

var (
	_ protocol.Dialer = (*Dialer)(nil)
	_ protocol.Client = (*Client)(nil)
)
