// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request and response shapes of the
// keeper HTTP API.
package datatypes

import (
	"github.com/AleutianAI/HearthLocal/services/keeper/history"
	"github.com/AleutianAI/HearthLocal/services/keeper/pipeline"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse reports process liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// MutateRequest applies a batch of changes to the tree.
type MutateRequest struct {
	Changes []pipeline.ChangeRequest `json:"changes" binding:"required,min=1"`
	Reload  string                   `json:"reload,omitempty"`
	Message string                   `json:"message,omitempty"`
}

// FileWriteRequest writes or appends one file through the pipeline.
type FileWriteRequest struct {
	Content string `json:"content"`
	Reload  string `json:"reload,omitempty"`
	Message string `json:"message,omitempty"`
}

// FileEntry is one file in a tree listing.
type FileEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// FileContentResponse returns one file's content.
type FileContentResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// DashboardRequest registers a dashboard in the main document.
type DashboardRequest struct {
	Slug     string `json:"slug" binding:"required"`
	Title    string `json:"title" binding:"required"`
	Filename string `json:"filename" binding:"required"`
	// Mode defaults to "yaml".
	Mode string `json:"mode,omitempty"`
	// Content optionally seeds the dashboard file itself.
	Content string `json:"content,omitempty"`
}

// RestoreRequest rolls the tree back to a snapshot.
type RestoreRequest struct {
	ID string `json:"id" binding:"required"`
}

// PruneRequest trims history to the newest Retain snapshots.
type PruneRequest struct {
	Retain int `json:"retain" binding:"required,min=1"`
}

// ReloadRequest reloads one hub component.
type ReloadRequest struct {
	Component string `json:"component" binding:"required"`
}

// HistoryResponse lists snapshots most recent first.
type HistoryResponse struct {
	Snapshots []history.Snapshot `json:"snapshots"`
}

// DiffResponse lists path-level changes between two snapshots.
type DiffResponse struct {
	From    history.SnapshotID  `json:"from"`
	To      history.SnapshotID  `json:"to"`
	Entries []history.DiffEntry `json:"entries"`
}
