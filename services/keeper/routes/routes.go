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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/HearthLocal/services/keeper/handlers"
	"github.com/AleutianAI/HearthLocal/services/keeper/history"
	"github.com/AleutianAI/HearthLocal/services/keeper/middleware"
	"github.com/AleutianAI/HearthLocal/services/keeper/observability"
	"github.com/AleutianAI/HearthLocal/services/keeper/pipeline"
)

// Dependencies carries the collaborators the routes need.
type Dependencies struct {
	TreeRoot    string
	Pipeline    *pipeline.Pipeline
	Store       *history.Store
	Gate        pipeline.ConfigChecker
	Reloader    pipeline.Reloader
	Status      handlers.StatusProvider
	Core        handlers.CoreController
	Events      handlers.EventSource
	Auth        middleware.AuthConfig
	HTTPMetrics *observability.HTTPMetrics
	// WritesPerSecond and WriteBurst bound the mutation rate.
	WritesPerSecond float64
	WriteBurst      int
	Logger          *slog.Logger
}

// SetupRoutes registers the keeper API. /health and /metrics are
// unauthenticated; everything under /v1 requires a bearer token.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	if deps.HTTPMetrics != nil {
		router.Use(deps.HTTPMetrics.Middleware())
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.TokenAuth(deps.Auth))
	if deps.WritesPerSecond > 0 {
		v1.Use(middleware.WriteRateLimit(deps.WritesPerSecond, deps.WriteBurst))
	}
	{
		v1.POST("/mutations", handlers.ApplyMutation(deps.Pipeline))

		files := v1.Group("/files")
		{
			files.GET("", handlers.ListFiles(deps.TreeRoot))
			files.GET("/*path", handlers.GetFile(deps.TreeRoot))
			files.PUT("/*path", handlers.PutFile(deps.Pipeline))
			files.PATCH("/*path", handlers.PatchFile(deps.Pipeline))
			files.DELETE("/*path", handlers.DeleteFile(deps.Pipeline))
		}

		hist := v1.Group("/history")
		{
			hist.GET("", handlers.ListHistory(deps.Store))
			hist.GET("/diff", handlers.DiffHistory(deps.Store))
			hist.POST("/restore", handlers.RestoreHistory(deps.Store, deps.Reloader))
			hist.POST("/prune", handlers.PruneHistory(deps.Store))
		}

		dashboards := v1.Group("/dashboards")
		{
			dashboards.POST("", handlers.RegisterDashboard(deps.Pipeline))
			dashboards.DELETE("/:slug", handlers.RemoveDashboard(deps.Pipeline))
		}

		system := v1.Group("/system")
		{
			system.GET("/hub", handlers.HubStatus(deps.Status))
			system.GET("/info", handlers.HubInfo(deps.Core))
			system.POST("/check", handlers.CheckConfig(deps.Gate))
			system.POST("/reload", handlers.ReloadComponent(deps.Reloader))
			system.POST("/restart", handlers.RestartCore(deps.Core))
		}

		v1.GET("/events/ws", handlers.RelayEvents(deps.Events, deps.Logger))
	}
}
