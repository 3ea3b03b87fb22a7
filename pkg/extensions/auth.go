// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// ErrUnauthorized is returned when a token is missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo identifies the caller of a control-surface request.
//
// This is the operator (or upstream backend) driving the relay, not the
// end user whose messaging account is being bound.
type AuthInfo struct {
	// Subject is the authenticated principal. Never empty.
	Subject string

	// Roles contains role memberships. The relay only checks "admin".
	Roles []string
}

// HasRole reports whether the caller holds role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens.
//
// # Description
//
// Validate returns the caller identity for a valid token, or an error
// wrapping ErrUnauthorized. Any other error is treated as an internal
// failure by the middleware.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every token, including the empty one.
type NopAuthProvider struct{}

// Validate always succeeds with the local operator identity.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{Subject: "local-operator", Roles: []string{"admin"}}, nil
}

// StaticTokenProvider accepts exactly one shared API key.
//
// The key is held in a memguard Enclave (encrypted at rest in memory) and
// only decrypted into a locked buffer for the duration of one comparison.
type StaticTokenProvider struct {
	enclave *memguard.Enclave
}

// NewStaticTokenProvider returns a provider for the given API key. An empty
// key rejects every request.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	if token == "" {
		return &StaticTokenProvider{}
	}
	// NewEnclave wipes its input, so hand it a private copy.
	return &StaticTokenProvider{enclave: memguard.NewEnclave([]byte(token))}
}

// Validate compares token against the configured key in constant time.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if p.enclave == nil || token == "" {
		return nil, ErrUnauthorized
	}
	key, err := p.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open api key enclave: %w", err)
	}
	defer key.Destroy()

	if subtle.ConstantTimeCompare(key.Bytes(), []byte(token)) != 1 {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{Subject: "api-key", Roles: []string{"admin"}}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenProvider)(nil)
)
