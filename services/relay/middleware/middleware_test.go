// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type failingProvider struct{}

func (failingProvider) Validate(context.Context, string) (*extensions.AuthInfo, error) {
	return nil, errors.New("identity provider unreachable")
}

func newAuthRouter(provider extensions.AuthProvider) *gin.Engine {
	router := gin.New()
	router.Use(Auth(provider, nil))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/check-status/:userId", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": Actor(c)})
	})
	return router
}

func do(router *gin.Engine, path, authHeader string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// extractBearerToken Tests
// =============================================================================

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer ABC123", "ABC123"},
		{"padded token", "Bearer   abc  ", "abc"},
		{"missing", "", ""},
		{"no scheme", "abc123", ""},
		{"basic auth", "Basic abc123", ""},
		{"only bearer", "Bearer", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

// =============================================================================
// Auth Tests
// =============================================================================

func TestAuth_NopProviderAllowsEverything(t *testing.T) {
	w := do(newAuthRouter(&extensions.NopAuthProvider{}), "/check-status/u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "local-operator")
}

func TestAuth_StaticToken(t *testing.T) {
	router := newAuthRouter(extensions.NewStaticTokenProvider("s3cret"))

	w := do(router, "/check-status/u1", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "api-key")

	w = do(router, "/check-status/u1", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var body datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, datatypes.CodeUnauthorized, body.Code)

	w = do(router, "/check-status/u1", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_PublicPathsSkipAuth(t *testing.T) {
	router := newAuthRouter(extensions.NewStaticTokenProvider("s3cret"))
	w := do(router, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_ProviderFailureHidesDetail(t *testing.T) {
	w := do(newAuthRouter(failingProvider{}), "/check-status/u1", "Bearer x")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotContains(t, w.Body.String(), "unreachable")
}

func TestGetAuthInfo_Absent(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetAuthInfo(c))
	assert.Equal(t, "anonymous", Actor(c))

	c.Set(authInfoKey, "not auth info")
	assert.Nil(t, GetAuthInfo(c))
}

// =============================================================================
// Metrics Tests
// =============================================================================

func TestMetrics_RecordsRouteTemplate(t *testing.T) {
	m := observability.NewRelayMetrics(prometheus.NewRegistry())
	router := gin.New()
	router.Use(Metrics(m))
	router.GET("/check-status/:userId", func(c *gin.Context) { c.Status(http.StatusOK) })

	do(router, "/check-status/u1", "")
	do(router, "/check-status/u2", "")
	do(router, "/nope", "")

	assert.Equal(t, float64(2), testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues("/check-status/:userId", http.MethodGet, "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(unmatchedRoute, http.MethodGet, "4xx")))
}

func TestMetrics_NilCollectorsAreSafe(t *testing.T) {
	router := gin.New()
	router.Use(Metrics(nil))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, do(router, "/x", "").Code)
}
