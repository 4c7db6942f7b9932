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
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/HearthLocal/services/keeper/datatypes"
	"github.com/AleutianAI/HearthLocal/services/keeper/history"
	"github.com/AleutianAI/HearthLocal/services/keeper/pipeline"
)

// ListHistory lists snapshots most recent first. With ?q= it filters
// by message substring; ?limit= caps the count.
func ListHistory(store *history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			snaps []history.Snapshot
			err   error
		)
		if q := c.Query("q"); q != "" {
			snaps, err = store.Find(c.Request.Context(), q)
		} else {
			limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
			snaps, err = store.History(c.Request.Context(), limit)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, datatypes.HistoryResponse{Snapshots: snaps})
	}
}

// DiffHistory compares two snapshots by manifest.
func DiffHistory(store *history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		from := history.SnapshotID(c.Query("from"))
		to := history.SnapshotID(c.Query("to"))
		if from == "" || to == "" {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "from and to are required"})
			return
		}

		entries, err := store.Diff(c.Request.Context(), from, to)
		if err != nil {
			c.JSON(historyStatus(err), datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, datatypes.DiffResponse{From: from, To: to, Entries: entries})
	}
}

// RestoreHistory rolls the tree back to a snapshot and pushes the
// restored files into the hub.
func RestoreHistory(store *history.Store, reloader pipeline.Reloader) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.RestoreRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		ctx := c.Request.Context()
		if err := store.Restore(ctx, history.SnapshotID(req.ID)); err != nil {
			c.JSON(historyStatus(err), datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		if err := reloader.Reload(ctx, "all"); err != nil {
			// Files are restored; the hub will pick them up on its
			// next restart even though the live reload failed
			c.JSON(http.StatusBadGateway, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"restored": req.ID})
	}
}

// PruneHistory trims history to the newest N snapshots.
func PruneHistory(store *history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.PruneRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		if err := store.Prune(c.Request.Context(), req.Retain); err != nil {
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"retained": req.Retain})
	}
}

func historyStatus(err error) int {
	switch {
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, history.ErrDegraded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
