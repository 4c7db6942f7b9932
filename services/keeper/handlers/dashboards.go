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
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/HearthLocal/pkg/validation"
	"github.com/AleutianAI/HearthLocal/services/keeper/datatypes"
	"github.com/AleutianAI/HearthLocal/services/keeper/pipeline"
)

// mainDocument is the hub's root configuration file, where dashboard
// registrations live.
const mainDocument = "configuration.yaml"

// dashboardSection is the entry section for YAML-mode dashboards.
const dashboardSection = "lovelace.dashboards"

// RegisterDashboard adds a dashboard entry to the main document, and
// optionally seeds the dashboard file, in one batch. The structured
// editor keeps surrounding !include directives intact.
func RegisterDashboard(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.DashboardRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		if err := validation.ValidateSlug(req.Slug); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		if err := validation.ValidateRelativePath(req.Filename); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		if req.Mode == "" {
			req.Mode = "yaml"
		}

		changes := []pipeline.ChangeRequest{}
		if req.Content != "" {
			changes = append(changes, pipeline.ChangeRequest{
				Op:      pipeline.OpWriteFile,
				Path:    req.Filename,
				Content: req.Content,
			})
		}
		changes = append(changes, pipeline.ChangeRequest{
			Op:      pipeline.OpUpsertEntry,
			Path:    mainDocument,
			Section: dashboardSection,
			Key:     req.Slug,
			Content: dashboardBlock(req),
		})

		res, _ := p.Apply(c.Request.Context(), pipeline.Batch{
			Message: "register dashboard " + req.Slug,
			Reload:  "core",
			Changes: changes,
		})
		c.JSON(mutationStatus(res.State), res)
	}
}

// RemoveDashboard drops a dashboard entry from the main document. The
// dashboard file itself is left in place.
func RemoveDashboard(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		slug := c.Param("slug")
		if err := validation.ValidateSlug(slug); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		res, _ := p.Apply(c.Request.Context(), pipeline.Batch{
			Message: "remove dashboard " + slug,
			Reload:  "core",
			Changes: []pipeline.ChangeRequest{
				{
					Op:      pipeline.OpRemoveEntry,
					Path:    mainDocument,
					Section: dashboardSection,
					Key:     slug,
				},
			},
		})
		c.JSON(mutationStatus(res.State), res)
	}
}

// dashboardBlock renders the entry block for the structured editor.
// The title is quoted since it is operator-supplied free text.
func dashboardBlock(req datatypes.DashboardRequest) string {
	return fmt.Sprintf("%s:\n  mode: %s\n  title: %s\n  filename: %s",
		req.Slug, req.Mode, strconv.Quote(req.Title), req.Filename)
}
