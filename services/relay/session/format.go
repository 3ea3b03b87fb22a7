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

import (
	"fmt"
	"strings"
	"unicode"
)

// Phone number bounds after normalization, country code included.
const (
	minPhoneDigits = 8
	maxPhoneDigits = 15

	// nationalDigits is the length that receives the default country code.
	nationalDigits = 10
)

// pairingCodeLen is the number of characters in a pairing code.
const pairingCodeLen = 8

// NormalizePhone strips everything but digits and prefixes defaultCC to a
// bare 10-digit national number.
//
// # Examples
//
//	NormalizePhone("+91 98765-43210", "91") // "919876543210"
//	NormalizePhone("9876543210", "91")      // "919876543210"
//	NormalizePhone("12", "91")              // ErrInvalidPhone
func NormalizePhone(raw, defaultCC string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if len(digits) == nationalDigits && defaultCC != "" {
		digits = defaultCC + digits
	}
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return "", fmt.Errorf("%w: expected %d-%d digits, got %d",
			ErrInvalidPhone, minPhoneDigits, maxPhoneDigits, len(digits))
	}
	return digits, nil
}

// FormatPairingCode turns a raw protocol code into "XXXX-XXXX".
func FormatPairingCode(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r <= unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	code := b.String()
	if len(code) != pairingCodeLen {
		return "", fmt.Errorf("pairing code must have %d characters, got %d", pairingCodeLen, len(code))
	}
	return code[:4] + "-" + code[4:], nil
}

// addressFor converts a recipient into a protocol address. Inputs that
// already contain '@' are used as-is.
func addressFor(recipient, defaultCC, suffix string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if strings.Contains(recipient, "@") {
		return recipient, nil
	}
	digits, err := NormalizePhone(recipient, defaultCC)
	if err != nil {
		return "", err
	}
	return digits + suffix, nil
}
