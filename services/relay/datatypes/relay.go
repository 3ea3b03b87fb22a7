// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the request and response bodies of the relay
// control surface.
package datatypes

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// Limits on request fields.
const (
	// MaxUserIDLength bounds user ids. They become storage keys and URL
	// path segments.
	MaxUserIDLength = 128

	// MaxPhoneLength bounds the raw phone field before normalization.
	MaxPhoneLength = 32

	// MaxRecipientLength bounds a recipient phone number or address.
	MaxRecipientLength = 128

	// MaxMessageBytes bounds an outbound text body.
	MaxMessageBytes = 64 * 1024
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeUnauthorized       = "unauthorized"
	CodeAlreadyRegistered  = "already_registered"
	CodeNotConnected       = "not_connected"
	CodeAccountNotFound    = "account_not_found"
	CodeProtocolInitFailed = "protocol_init_failed"
	CodeArtifactTimeout    = "artifact_timeout"
	CodeSessionEnded       = "session_ended"
	CodeDeliveryFailed     = "delivery_failed"
	CodeShuttingDown       = "shutting_down"
	CodeInternal           = "internal_error"
)

// ErrInvalidRequest wraps every validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// =============================================================================
// Shared Validator Instance
// =============================================================================

var relayValidate *validator.Validate

func init() {
	relayValidate = validator.New()
	_ = relayValidate.RegisterValidation("userid", validateUserID)
	_ = relayValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateUserID accepts printable ids without slashes or whitespace.
func validateUserID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if id == "" || len(id) > MaxUserIDLength {
		return false
	}
	for _, r := range id {
		if r == '/' || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageBytes
}

// validate runs the struct validator and folds the result into
// ErrInvalidRequest with the names of the failing fields.
func validate(v any) error {
	err := relayValidate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		names := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			names = append(names, fe.Field())
		}
		return fmt.Errorf("%w: invalid field(s) %s", ErrInvalidRequest, strings.Join(names, ", "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
}

// ValidateUserID checks a user id taken from a URL path.
func ValidateUserID(userID string) error {
	if err := relayValidate.Var(userID, "userid"); err != nil {
		return fmt.Errorf("%w: invalid userId", ErrInvalidRequest)
	}
	return nil
}

// =============================================================================
// Requests
// =============================================================================

// PairingCodeRequest is the body of POST /request-pairing-code.
type PairingCodeRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required,max=32"`
	UserID      string `json:"userId" validate:"userid"`
}

// Validate checks field presence and limits. Phone normalization happens
// in the session registry.
func (r *PairingCodeRequest) Validate() error {
	return validate(r)
}

// QRSessionRequest is the body of POST /initiate-qr-session.
type QRSessionRequest struct {
	UserID string `json:"userId" validate:"userid"`
}

// Validate checks the user id.
func (r *QRSessionRequest) Validate() error {
	return validate(r)
}

// SendMessageRequest is the body of POST /send-message.
//
// Recipient is either a phone number or a full protocol address.
type SendMessageRequest struct {
	UserID    string `json:"userId" validate:"userid"`
	Recipient string `json:"recipient" validate:"required,max=128"`
	Message   string `json:"message" validate:"required,maxbytes"`
}

// Validate checks field presence and limits.
func (r *SendMessageRequest) Validate() error {
	return validate(r)
}

// =============================================================================
// Responses
// =============================================================================

type PairingCodeResponse struct {
	PairingCode string `json:"pairingCode"`
}

type QRCodeResponse struct {
	QRCode string `json:"qrCode"`
}

// StatusResponse is the body of GET /check-status/:userId. Artifacts are
// present only on the read that consumed them.
type StatusResponse struct {
	Status       string `json:"status"`
	PairingCode  string `json:"pairingCode,omitempty"`
	QRCode       string `json:"qrCode,omitempty"`
	BoundAddress string `json:"boundAddress,omitempty"`
	LastError    string `json:"lastError,omitempty"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type HealthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"activeSessions"`
}

// AccountResponse is the body of GET /accounts/:userId.
type AccountResponse struct {
	UserID               string  `json:"userId"`
	Balance              float64 `json:"balance"`
	WhatsappMessageCount int64   `json:"whatsappMessageCount"`
	WhatsappTodayCount   int     `json:"whatsappTodayCount"`
	LastCountDate        string  `json:"whatsappLastCountDate,omitempty"`
	ReferrerID           string  `json:"referrerId,omitempty"`
	WhatsappConnected    bool    `json:"whatsappConnected"`
	WhatsappNumber       string  `json:"whatsappNumber,omitempty"`
}

// ErrorResponse is returned for every non-2xx status. Error is a fixed
// public message; internal detail is only logged.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
