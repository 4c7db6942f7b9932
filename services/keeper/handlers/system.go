// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the Gin handlers of the keeper API.
// Handlers are constructors taking their collaborators and returning
// gin.HandlerFunc, so routes stay declarative and tests can inject
// fakes.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/HearthLocal/services/keeper/datatypes"
	"github.com/AleutianAI/HearthLocal/services/keeper/hub"
	"github.com/AleutianAI/HearthLocal/services/keeper/pipeline"
	"github.com/AleutianAI/HearthLocal/services/keeper/realtime"
)

// StatusProvider exposes the realtime connection state.
type StatusProvider interface {
	CurrentStatus() realtime.Status
}

// CoreController covers the hub operations that only exist over REST.
type CoreController interface {
	Info(ctx context.Context) (json.RawMessage, error)
	RestartCore(ctx context.Context) error
}

// HealthCheck reports process liveness. Unauthenticated.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.HealthResponse{
		Status:  "ok",
		Service: "keeper",
	})
}

// HubStatus returns the state of the hub connection.
func HubStatus(provider StatusProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, provider.CurrentStatus())
	}
}

// CheckConfig runs a config check on demand without mutating anything.
func CheckConfig(gate pipeline.ConfigChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := gate.Check(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// HubInfo proxies the hub's instance configuration document.
func HubInfo(core CoreController) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := core.Info(c.Request.Context())
		if err != nil {
			c.JSON(coreStatus(err), datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", info)
	}
}

// RestartCore restarts the hub. The escape hatch for edits no live
// reload covers.
func RestartCore(core CoreController) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := core.RestartCore(c.Request.Context()); err != nil {
			c.JSON(coreStatus(err), datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"restarting": true})
	}
}

func coreStatus(err error) int {
	if errors.Is(err, hub.ErrHubNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

// ReloadComponent reloads one hub component on demand.
func ReloadComponent(reloader pipeline.Reloader) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ReloadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		if err := reloader.Reload(c.Request.Context(), req.Component); err != nil {
			c.JSON(http.StatusBadGateway, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reloaded": req.Component})
	}
}
