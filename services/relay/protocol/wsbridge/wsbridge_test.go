// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wsbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bridgeFunc scripts the bridge side of one session socket.
type bridgeFunc func(t *testing.T, r *http.Request, conn *websocket.Conn)

func newBridge(t *testing.T, script bridgeFunc) *Dialer {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(t, r, conn)
	}))
	t.Cleanup(srv.Close)

	d, err := NewDialer(Config{
		BaseURL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:          "bridge-secret",
		CommandTimeout: 2 * time.Second,
		PingInterval:   -1,
	})
	require.NoError(t, err)
	return d
}

func readCommand(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	var f frame
	assert.NoError(t, conn.ReadJSON(&f))
	return f
}

// waitForHangup blocks until the relay side closes the socket.
func waitForHangup(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func nextEvent(t *testing.T, c protocol.Client) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return protocol.Event{}
	}
}

func requireEventsClosed(t *testing.T, c protocol.Client) {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.False(t, ok, "unexpected event %+v", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed")
	}
}

func TestNewDialer_Validation(t *testing.T) {
	_, err := NewDialer(Config{BaseURL: "http://bridge:8080"})
	assert.Error(t, err)

	_, err = NewDialer(Config{BaseURL: "ws://"})
	assert.Error(t, err)

	d, err := NewDialer(Config{BaseURL: "wss://bridge.internal/"})
	require.NoError(t, err)
	assert.Equal(t, "wss://bridge.internal/v1/sessions/user%2F1", d.SessionURL("user/1"))
}

func TestClient_ConnectSendsCredentialsAndStreamsQR(t *testing.T) {
	d := newBridge(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		assert.Equal(t, "/v1/sessions/u1", r.URL.Path)
		assert.Equal(t, "Bearer bridge-secret", r.Header.Get("Authorization"))

		cmd := readCommand(t, conn)
		assert.Equal(t, cmdConnect, cmd.Type)
		assert.Equal(t, []byte("stored-creds"), cmd.Credentials)
		assert.NotEmpty(t, cmd.ID)

		_ = conn.WriteJSON(frame{Type: frameAck, ID: cmd.ID})
		_ = conn.WriteJSON(frame{Type: "credentials_updated", Credentials: []byte("rotated")})
		_ = conn.WriteJSON(frame{Type: "qr", QR: "2@payload"})
		waitForHangup(conn)
	})

	c, err := d.Dial(context.Background(), "u1", []byte("stored-creds"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))

	ev := nextEvent(t, c)
	assert.Equal(t, protocol.EventCredentials, ev.Type)
	assert.Equal(t, []byte("rotated"), ev.Credentials)

	ev = nextEvent(t, c)
	assert.Equal(t, protocol.EventQR, ev.Type)
	assert.Equal(t, "2@payload", ev.QR)
}

func TestClient_PairingCodeAndMessage(t *testing.T) {
	d := newBridge(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		cmd := readCommand(t, conn)
		assert.Equal(t, cmdRequestPairingCode, cmd.Type)
		assert.Equal(t, "919876543210", cmd.Phone)
		_ = conn.WriteJSON(frame{Type: frameAck, ID: cmd.ID})
		_ = conn.WriteJSON(frame{Type: "pairing_code_ready", Code: "ABCD1234"})
		_ = conn.WriteJSON(frame{Type: "open", Address: "919876543210@s.whatsapp.net"})
		_ = conn.WriteJSON(frame{Type: "message_received", Message: &protocol.Message{ID: "m1", From: "x", Body: "hi"}})
		waitForHangup(conn)
	})

	c, err := d.Dial(context.Background(), "u1", nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.RequestPairingCode(context.Background(), "919876543210"))

	assert.Equal(t, "ABCD1234", nextEvent(t, c).PairingCode)
	assert.Equal(t, "919876543210@s.whatsapp.net", nextEvent(t, c).Address)
	msg := nextEvent(t, c)
	require.NotNil(t, msg.Message)
	assert.Equal(t, "hi", msg.Message.Body)
}

func TestClient_RejectedCommand(t *testing.T) {
	d := newBridge(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		cmd := readCommand(t, conn)
		assert.Equal(t, cmdSendText, cmd.Type)
		assert.Equal(t, "addr", cmd.Address)
		assert.Equal(t, "body", cmd.Body)
		_ = conn.WriteJSON(frame{Type: frameAck, ID: cmd.ID, Error: "not on whatsapp"})
		waitForHangup(conn)
	})

	c, err := d.Dial(context.Background(), "u1", nil)
	require.NoError(t, err)
	defer c.Close()

	err = c.SendText(context.Background(), "addr", "body")
	require.ErrorIs(t, err, protocol.ErrCommandRejected)
	assert.Contains(t, err.Error(), "not on whatsapp")
}

func TestClient_ConnectionLostEmitsClose(t *testing.T) {
	d := newBridge(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		_ = conn.WriteJSON(frame{Type: "open", Address: "a"})
	})

	c, err := d.Dial(context.Background(), "u1", nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, protocol.EventOpen, nextEvent(t, c).Type)
	ev := nextEvent(t, c)
	assert.Equal(t, protocol.EventClose, ev.Type)
	assert.Equal(t, protocol.ReasonConnectionLost, ev.Reason)
	requireEventsClosed(t, c)
}

func TestClient_LogoutEmitsSingleClose(t *testing.T) {
	d := newBridge(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		cmd := readCommand(t, conn)
		assert.Equal(t, cmdLogout, cmd.Type)
		_ = conn.WriteJSON(frame{Type: frameAck, ID: cmd.ID})
		_ = conn.WriteJSON(frame{Type: "close", Reason: protocol.ReasonLoggedOut})
	})

	c, err := d.Dial(context.Background(), "u1", nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Logout(context.Background()))
	ev := nextEvent(t, c)
	assert.Equal(t, protocol.ReasonLoggedOut, ev.Reason)
	requireEventsClosed(t, c)
}

func TestClient_CommandsFailAfterClose(t *testing.T) {
	d := newBridge(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		waitForHangup(conn)
	})

	c, err := d.Dial(context.Background(), "u1", nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Connect(context.Background()), protocol.ErrClosed)
	requireEventsClosed(t, c)
}

func TestClient_CommandTimesOutWithoutAck(t *testing.T) {
	d := newBridge(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		readCommand(t, conn)
		waitForHangup(conn)
	})

	c, err := d.Dial(context.Background(), "u1", nil)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Logout(ctx), context.DeadlineExceeded)
}
