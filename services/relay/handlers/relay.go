// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/gin-gonic/gin"
)

// HealthCheck reports liveness and the number of active sessions.
func HealthCheck(sessions Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, datatypes.HealthResponse{
			Status:         "ok",
			ActiveSessions: sessions.ActiveCount(),
		})
	}
}

// RequestPairingCode handles POST /request-pairing-code.
func RequestPairingCode(deps Deps) gin.HandlerFunc {
	d := deps.normalize()
	return func(c *gin.Context) {
		var req datatypes.PairingCodeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, d.Logger, datatypes.ErrInvalidRequest)
			return
		}
		if err := req.Validate(); err != nil {
			abortWithError(c, d.Logger, err)
			return
		}

		code, err := d.Sessions.RequestPairingCode(c.Request.Context(), req.UserID, req.PhoneNumber)
		if err != nil {
			audit(c, d, "session.pair", req.UserID, err, abortWithError(c, d.Logger, err))
			return
		}
		audit(c, d, "session.pair", req.UserID, nil, "")
		c.JSON(http.StatusOK, datatypes.PairingCodeResponse{PairingCode: code})
	}
}

// RequestQRCode handles POST /request-qr-code/:userId.
func RequestQRCode(deps Deps) gin.HandlerFunc {
	d := deps.normalize()
	return func(c *gin.Context) {
		userID := c.Param("userId")
		if err := datatypes.ValidateUserID(userID); err != nil {
			abortWithError(c, d.Logger, err)
			return
		}
		issueQR(c, d, userID)
	}
}

// InitiateQRSession handles POST /initiate-qr-session.
func InitiateQRSession(deps Deps) gin.HandlerFunc {
	d := deps.normalize()
	return func(c *gin.Context) {
		var req datatypes.QRSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, d.Logger, datatypes.ErrInvalidRequest)
			return
		}
		if err := req.Validate(); err != nil {
			abortWithError(c, d.Logger, err)
			return
		}
		issueQR(c, d, req.UserID)
	}
}

func issueQR(c *gin.Context, d Deps, userID string) {
	qr, err := d.Sessions.RequestQRCode(c.Request.Context(), userID)
	if err != nil {
		audit(c, d, "session.qr", userID, err, abortWithError(c, d.Logger, err))
		return
	}
	audit(c, d, "session.qr", userID, nil, "")
	c.JSON(http.StatusOK, datatypes.QRCodeResponse{QRCode: qr})
}

// CheckStatus handles GET /check-status/:userId. A pending artifact is
// included once and cleared.
func CheckStatus(deps Deps) gin.HandlerFunc {
	d := deps.normalize()
	return func(c *gin.Context) {
		userID := c.Param("userId")
		if err := datatypes.ValidateUserID(userID); err != nil {
			abortWithError(c, d.Logger, err)
			return
		}

		st := d.Sessions.CheckStatus(userID)
		c.JSON(http.StatusOK, datatypes.StatusResponse{
			Status:       st.Status,
			PairingCode:  st.PairingCode,
			QRCode:       st.QRCode,
			BoundAddress: st.BoundAddress,
			LastError:    st.LastError,
		})
	}
}

// SendMessage handles POST /send-message.
func SendMessage(deps Deps) gin.HandlerFunc {
	d := deps.normalize()
	return func(c *gin.Context) {
		var req datatypes.SendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, d.Logger, datatypes.ErrInvalidRequest)
			return
		}
		if err := req.Validate(); err != nil {
			abortWithError(c, d.Logger, err)
			return
		}

		if err := d.Sessions.SendText(c.Request.Context(), req.UserID, req.Recipient, req.Message); err != nil {
			audit(c, d, "message.send", req.UserID, err, abortWithError(c, d.Logger, err))
			return
		}
		audit(c, d, "message.send", req.UserID, nil, "")
		c.JSON(http.StatusOK, datatypes.SuccessResponse{Success: true})
	}
}

// Unbind handles POST /unbind/:userId.
func Unbind(deps Deps) gin.HandlerFunc {
	d := deps.normalize()
	return func(c *gin.Context) {
		userID := c.Param("userId")
		if err := datatypes.ValidateUserID(userID); err != nil {
			abortWithError(c, d.Logger, err)
			return
		}

		if err := d.Sessions.Unbind(c.Request.Context(), userID); err != nil {
			audit(c, d, "session.unbind", userID, err, abortWithError(c, d.Logger, err))
			return
		}
		audit(c, d, "session.unbind", userID, nil, "")
		c.JSON(http.StatusOK, datatypes.SuccessResponse{Success: true})
	}
}

// GetAccount handles GET /accounts/:userId.
func GetAccount(deps Deps) gin.HandlerFunc {
	d := deps.normalize()
	return func(c *gin.Context) {
		userID := c.Param("userId")
		if err := datatypes.ValidateUserID(userID); err != nil {
			abortWithError(c, d.Logger, err)
			return
		}

		acct, err := d.Accounts.Account(c.Request.Context(), userID)
		if err != nil {
			abortWithError(c, d.Logger, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.AccountResponse{
			UserID:               acct.UserID,
			Balance:              acct.Balance,
			WhatsappMessageCount: acct.WhatsappMessageCount,
			WhatsappTodayCount:   acct.WhatsappTodayCount,
			LastCountDate:        acct.WhatsappLastCountDate,
			ReferrerID:           acct.ReferrerID,
			WhatsappConnected:    acct.WhatsappConnected,
			WhatsappNumber:       acct.WhatsappNumber,
		})
	}
}
