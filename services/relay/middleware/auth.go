// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the gin middleware of the relay control
// surface: bearer-token authentication and request metrics.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	Auth
//	   │
//	   ├─► Skip public paths (/health, /metrics)
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
//
// With NopAuthProvider (no API key configured) every request is the local
// operator.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/gin-gonic/gin"
)

const authInfoKey = "aleutian_auth_info"

// PublicPaths are served without authentication.
var PublicPaths = []string{"/health", "/metrics"}

// SetAuthInfo stores the authenticated caller in the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated caller, or nil.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// Actor returns the caller's subject for audit records, or "anonymous".
func Actor(c *gin.Context) string {
	if info := GetAuthInfo(c); info != nil && info.Subject != "" {
		return info.Subject
	}
	return "anonymous"
}

// Auth authenticates every request outside PublicPaths.
//
// # Description
//
// A token rejected with extensions.ErrUnauthorized yields 401
// "unauthorized". Any other provider error also yields 401 and is logged,
// so provider outages never leak detail to the caller.
//
// # Inputs
//
//   - provider: Token validator. Must not be nil.
//   - logger: Receives provider failures. Nil uses slog.Default().
//
// # Thread Safety
//
// The returned middleware is safe for concurrent use.
func Auth(provider extensions.AuthProvider, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		if isPublic(c.Request.URL.Path) {
			c.Next()
			return
		}

		authInfo, err := provider.Validate(c.Request.Context(), extractBearerToken(c))
		if err != nil {
			if !errors.Is(err, extensions.ErrUnauthorized) {
				logger.Error("auth provider failed", "path", c.Request.URL.Path, "error", err)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{
				Error: "unauthorized",
				Code:  datatypes.CodeUnauthorized,
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

func isPublic(path string) bool {
	for _, p := range PublicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// extractBearerToken parses "Authorization: Bearer <token>". The scheme is
// case-insensitive per RFC 7235. Returns "" when absent or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
