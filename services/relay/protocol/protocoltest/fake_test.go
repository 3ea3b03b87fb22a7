// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocoltest

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianRelay/services/relay/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialer_DefaultFlow(t *testing.T) {
	d := NewDialer()
	ctx := context.Background()

	pc, err := d.Dial(ctx, "u1", nil)
	require.NoError(t, err)
	c := pc.(*Client)

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.RequestPairingCode(ctx, "919876543210"))
	require.NoError(t, c.Logout(ctx))

	var got []protocol.Event
	for ev := range c.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, DefaultQR, got[0].QR)
	assert.Equal(t, DefaultPairingCode, got[1].PairingCode)
	assert.Equal(t, protocol.ReasonLoggedOut, got[2].Reason)
	assert.Equal(t, []string{"919876543210"}, c.Phones())
	assert.Equal(t, 1, c.Logouts())
}

func TestDialer_RecoveredClientDoesNotEmitQR(t *testing.T) {
	d := NewDialer()
	pc, err := d.Dial(context.Background(), "u1", []byte("creds"))
	require.NoError(t, err)

	require.NoError(t, pc.Connect(context.Background()))
	assert.Len(t, pc.Events(), 0)
}

func TestDialer_FailNext(t *testing.T) {
	d := NewDialer()
	boom := errors.New("bridge down")
	d.FailNext(1, boom)

	_, err := d.Dial(context.Background(), "u1", nil)
	assert.ErrorIs(t, err, boom)

	_, err = d.Dial(context.Background(), "u1", nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, d.DialCount("u1"))
}

func TestClient_EmitAfterCloseIsDropped(t *testing.T) {
	d := NewDialer()
	pc, err := d.Dial(context.Background(), "u1", nil)
	require.NoError(t, err)
	c := pc.(*Client)

	require.NoError(t, c.Close())
	assert.False(t, c.Open("addr"))
	assert.True(t, c.Finished())
	assert.ErrorIs(t, c.SendText(context.Background(), "a", "b"), protocol.ErrClosed)
}
