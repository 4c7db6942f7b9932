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

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/HearthLocal/services/keeper/datatypes"
	"github.com/AleutianAI/HearthLocal/services/keeper/pipeline"
)

// ApplyMutation runs an arbitrary change batch through the pipeline.
//
// The response carries the pipeline Result regardless of outcome;
// the status code encodes the terminal state so clients can branch
// without parsing it.
func ApplyMutation(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.MutateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		res, _ := p.Apply(c.Request.Context(), pipeline.Batch{
			Changes: req.Changes,
			Reload:  req.Reload,
			Message: req.Message,
		})
		c.JSON(mutationStatus(res.State), res)
	}
}

// mutationStatus maps a terminal pipeline state to an HTTP status.
func mutationStatus(state pipeline.State) int {
	switch state {
	case pipeline.StateCommitted:
		return http.StatusOK
	case pipeline.StateRolledBack:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
