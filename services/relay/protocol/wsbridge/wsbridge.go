// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wsbridge implements protocol.Dialer against an external protocol
// bridge reachable over websockets.
//
// # Wire format
//
// One websocket per session at <BaseURL>/v1/sessions/<userId>. Every frame
// is a JSON object with a "type" field.
//
// Commands (relay → bridge) carry an "id" and are answered by an ack:
//
//	{"id":"…","type":"connect","credentials":"<base64>"}
//	{"id":"…","type":"request_pairing_code","phone":"919876543210"}
//	{"id":"…","type":"send_text","address":"…","body":"…"}
//	{"id":"…","type":"logout"}
//
// Events (bridge → relay):
//
//	{"type":"ack","id":"…","error":""}
//	{"type":"qr","qr":"…"}
//	{"type":"pairing_code_ready","code":"ABCD1234"}
//	{"type":"open","address":"…"}
//	{"type":"close","reason":"logged_out"}
//	{"type":"message_received","message":{"id":"…","from":"…","body":"…","fromSelf":false,"stub":false}}
//	{"type":"credentials_updated","credentials":"<base64>"}
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Default tuning values.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCommandTimeout   = 15 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultEventBuffer      = 64
)

// Config configures a Dialer.
type Config struct {
	// BaseURL is the bridge root, scheme ws or wss. Required.
	BaseURL string

	// Token is sent as "Authorization: Bearer <Token>" when non-empty.
	Token string

	// HandshakeTimeout bounds the websocket handshake.
	HandshakeTimeout time.Duration

	// CommandTimeout bounds the wait for a command ack when the caller's
	// context has no earlier deadline.
	CommandTimeout time.Duration

	// PingInterval is the keep-alive ping period. Negative disables pings.
	PingInterval time.Duration

	// EventBuffer is the capacity of each client's event channel.
	EventBuffer int

	// Logger receives connection diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Dialer opens bridge sessions.
type Dialer struct {
	cfg    Config
	base   *url.URL
	dialer *websocket.Dialer
}

// NewDialer validates cfg and returns a Dialer.
func NewDialer(cfg Config) (*Dialer, error) {
	cfg.applyDefaults()

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	if base.Scheme != "ws" && base.Scheme != "wss" {
		return nil, fmt.Errorf("bridge url must use ws or wss, got %q", base.Scheme)
	}
	if base.Host == "" {
		return nil, errors.New("bridge url has no host")
	}

	return &Dialer{
		cfg:  cfg,
		base: base,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}, nil
}

// SessionURL returns the websocket URL for userID.
func (d *Dialer) SessionURL(userID string) string {
	u := *d.base
	u.Path = d.base.Path + "/v1/sessions/" + userID
	u.RawPath = d.base.EscapedPath() + "/v1/sessions/" + url.PathEscape(userID)
	return u.String()
}

// Dial implements protocol.Dialer.
func (d *Dialer) Dial(ctx context.Context, userID string, credentials []byte) (protocol.Client, error) {
	header := http.Header{}
	if d.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.SessionURL(userID), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial bridge for %s: %w (status %d)", userID, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial bridge for %s: %w", userID, err)
	}

	c := &client{
		conn:        conn,
		userID:      userID,
		credentials: credentials,
		events:      make(chan protocol.Event, d.cfg.EventBuffer),
		pending:     make(map[string]chan error),
		done:        make(chan struct{}),
		readDone:    make(chan struct{}),
		cfg:         d.cfg,
		logger:      d.cfg.Logger.With("user_id", userID),
	}
	go c.readLoop()
	if d.cfg.PingInterval > 0 {
		go c.pingLoop()
	}
	return c, nil
}

// =============================================================================
// Client
// =============================================================================

const (
	cmdConnect            = "connect"
	cmdRequestPairingCode = "request_pairing_code"
	cmdSendText           = "send_text"
	cmdLogout             = "logout"
	frameAck              = "ack"
)

type frame struct {
	ID          string            `json:"id,omitempty"`
	Type        string            `json:"type"`
	Credentials []byte            `json:"credentials,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	Address     string            `json:"address,omitempty"`
	Body        string            `json:"body,omitempty"`
	QR          string            `json:"qr,omitempty"`
	Code        string            `json:"code,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Message     *protocol.Message `json:"message,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type client struct {
	conn        *websocket.Conn
	userID      string
	credentials []byte
	events      chan protocol.Event
	cfg         Config
	logger      *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan error
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
	readDone  chan struct{}
}

func (c *client) Events() <-chan protocol.Event {
	return c.events
}

func (c *client) Connect(ctx context.Context) error {
	return c.command(ctx, frame{Type: cmdConnect, Credentials: c.credentials})
}

func (c *client) RequestPairingCode(ctx context.Context, phone string) error {
	return c.command(ctx, frame{Type: cmdRequestPairingCode, Phone: phone})
}

func (c *client) SendText(ctx context.Context, address, body string) error {
	return c.command(ctx, frame{Type: cmdSendText, Address: address, Body: body})
}

func (c *client) Logout(ctx context.Context) error {
	return c.command(ctx, frame{Type: cmdLogout})
}

func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)

		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
	return nil
}

// command writes f with a fresh id and waits for the matching ack.
func (c *client) command(ctx context.Context, f frame) error {
	f.ID = uuid.NewString()
	ack := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.ErrClosed
	}
	c.pending[f.ID] = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	c.writeMu.Lock()
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	err := c.conn.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", f.Type, err)
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", f.Type, ctx.Err())
	case <-c.done:
		return protocol.ErrClosed
	case <-c.readDone:
		select {
		case err := <-ack:
			return err
		default:
			return protocol.ErrClosed
		}
	}
}

func (c *client) resolve(id, errText string) {
	c.mu.Lock()
	ack, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("ack for unknown command", "command_id", id)
		return
	}

	var err error
	if errText != "" {
		err = fmt.Errorf("%w: %s", protocol.ErrCommandRejected, errText)
	}
	select {
	case ack <- err:
	default:
	}
}

func (c *client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// emit delivers ev unless the client is closed. Blocks while the event
// buffer is full.
func (c *client) emit(ev protocol.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *client) readLoop() {
	defer close(c.events)
	defer close(c.readDone)

	sawClose := false
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if !sawClose && !c.isClosed() {
				c.logger.Warn("bridge connection lost", "error", err)
				c.emit(protocol.Event{Type: protocol.EventClose, Reason: protocol.ReasonConnectionLost})
			}
			return
		}

		if f.Type == frameAck {
			c.resolve(f.ID, f.Error)
			continue
		}

		ev, ok := toEvent(f)
		if !ok {
			c.logger.Debug("ignoring unknown bridge frame", "type", f.Type)
			continue
		}
		if !c.emit(ev) {
			return
		}
		if ev.Type == protocol.EventClose {
			sawClose = true
		}
	}
}

func (c *client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.CommandTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", "error", err)
			}
		case <-c.done:
			return
		case <-c.readDone:
			return
		}
	}
}

func toEvent(f frame) (protocol.Event, bool) {
	switch protocol.EventType(f.Type) {
	case protocol.EventQR:
		return protocol.Event{Type: protocol.EventQR, QR: f.QR}, true
	case protocol.EventPairingCode:
		return protocol.Event{Type: protocol.EventPairingCode, PairingCode: f.Code}, true
	case protocol.EventOpen:
		return protocol.Event{Type: protocol.EventOpen, Address: f.Address}, true
	case protocol.EventClose:
		return protocol.Event{Type: protocol.EventClose, Reason: f.Reason}, true
	case protocol.EventMessage:
		if f.Message == nil {
			return protocol.Event{}, false
		}
		return protocol.Event{Type: protocol.EventMessage, Message: f.Message}, true
	case protocol.EventCredentials:
		return protocol.Event{Type: protocol.EventCredentials, Credentials: f.Credentials}, true
	default:
		return protocol.Event{}, false
	}
}

var _ protocol.Dialer = (*Dialer)(nil)
