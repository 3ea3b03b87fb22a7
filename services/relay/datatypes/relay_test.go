// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPairingCodeRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     PairingCodeRequest
		wantErr bool
	}{
		{name: "valid", req: PairingCodeRequest{PhoneNumber: "9876543210", UserID: "u1"}},
		{name: "missing phone", req: PairingCodeRequest{UserID: "u1"}, wantErr: true},
		{name: "missing user", req: PairingCodeRequest{PhoneNumber: "9876543210"}, wantErr: true},
		{name: "user with slash", req: PairingCodeRequest{PhoneNumber: "1", UserID: "a/b"}, wantErr: true},
		{name: "user with space", req: PairingCodeRequest{PhoneNumber: "1", UserID: "a b"}, wantErr: true},
		{name: "phone too long", req: PairingCodeRequest{PhoneNumber: strings.Repeat("1", 33), UserID: "u1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPairingCodeRequest_ErrorNamesField(t *testing.T) {
	err := (&PairingCodeRequest{UserID: "u1"}).Validate()
	assert.ErrorContains(t, err, "PhoneNumber")
}

func TestSendMessageRequest_Validate(t *testing.T) {
	ok := SendMessageRequest{UserID: "u1", Recipient: "9876543210", Message: "hi"}
	assert.NoError(t, ok.Validate())

	empty := ok
	empty.Message = ""
	assert.ErrorIs(t, empty.Validate(), ErrInvalidRequest)

	huge := ok
	huge.Message = strings.Repeat("x", MaxMessageBytes+1)
	assert.ErrorIs(t, huge.Validate(), ErrInvalidRequest)

	noRecipient := ok
	noRecipient.Recipient = ""
	assert.ErrorIs(t, noRecipient.Validate(), ErrInvalidRequest)
}

func TestValidateUserID(t *testing.T) {
	assert.NoError(t, ValidateUserID("user-42_abc"))
	assert.NoError(t, ValidateUserID("firebase:UID.9"))
	assert.ErrorIs(t, ValidateUserID(""), ErrInvalidRequest)
	assert.ErrorIs(t, ValidateUserID(strings.Repeat("a", MaxUserIDLength+1)), ErrInvalidRequest)
	assert.ErrorIs(t, ValidateUserID("tab\there"), ErrInvalidRequest)
}

func TestQRSessionRequest_Validate(t *testing.T) {
	assert.NoError(t, (&QRSessionRequest{UserID: "u1"}).Validate())
	assert.ErrorIs(t, (&QRSessionRequest{}).Validate(), ErrInvalidRequest)
}
