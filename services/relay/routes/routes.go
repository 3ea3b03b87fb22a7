// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the collaborators wired into the router.
type Deps struct {
	Handlers handlers.Deps
	Options  extensions.ServiceOptions

	// Metrics may be nil.
	Metrics *observability.RelayMetrics

	// Gatherer backs /metrics. Nil omits the endpoint.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// SetupRoutes registers every control surface endpoint on router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	opts := deps.Options.Normalize()
	h := deps.Handlers
	if h.Audit == nil {
		h.Audit = opts.AuditLogger
	}
	if h.Logger == nil {
		h.Logger = deps.Logger
	}

	router.Use(middleware.Metrics(deps.Metrics))
	router.Use(middleware.Auth(opts.AuthProvider, deps.Logger))

	router.GET("/health", handlers.HealthCheck(h.Sessions))
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	router.POST("/request-pairing-code", handlers.RequestPairingCode(h))
	router.POST("/request-qr-code/:userId", handlers.RequestQRCode(h))
	router.POST("/initiate-qr-session", handlers.InitiateQRSession(h))
	router.GET("/check-status/:userId", handlers.CheckStatus(h))
	router.POST("/send-message", handlers.SendMessage(h))
	router.POST("/unbind/:userId", handlers.Unbind(h))
	router.GET("/accounts/:userId", handlers.GetAccount(h))
}
