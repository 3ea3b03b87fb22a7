// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package qr renders QR payloads as PNG data URLs suitable for an <img> src.
package qr

import (
	"encoding/base64"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// DataURLPrefix precedes the base64 PNG bytes.
const DataURLPrefix = "data:image/png;base64,"

// DefaultSize is the rendered image edge in pixels.
const DefaultSize = 256

// ErrEmptyPayload is returned when there is nothing to encode.
var ErrEmptyPayload = errors.New("qr: empty payload")

// DataURL encodes payload as a PNG QR image of the given size and returns
// it as a data URL. size <= 0 uses DefaultSize.
func DataURL(payload string, size int) (string, error) {
	if payload == "" {
		return "", ErrEmptyPayload
	}
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("qr: encode: %w", err)
	}
	return DataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}
