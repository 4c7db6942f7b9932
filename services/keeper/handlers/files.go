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
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/HearthLocal/pkg/validation"
	"github.com/AleutianAI/HearthLocal/services/keeper/datatypes"
	"github.com/AleutianAI/HearthLocal/services/keeper/pipeline"
)

// treePath extracts and validates the tree-relative path from a
// wildcard route parameter.
func treePath(c *gin.Context) (string, bool) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	if err := validation.ValidateRelativePath(rel); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
		return "", false
	}
	return rel, true
}

// ListFiles returns every regular file in the tree, sorted by path.
// Reads bypass the pipeline; only writes are serialized.
func ListFiles(treeRoot string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var entries []datatypes.FileEntry
		err := filepath.WalkDir(treeRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !d.Type().IsRegular() {
				return err
			}
			rel, relErr := filepath.Rel(treeRoot, path)
			if relErr != nil {
				return relErr
			}
			info, infoErr := d.Info()
			if infoErr != nil {
				return infoErr
			}
			entries = append(entries, datatypes.FileEntry{
				Path: filepath.ToSlash(rel),
				Size: info.Size(),
			})
			return nil
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
		c.JSON(http.StatusOK, gin.H{"files": entries})
	}
}

// GetFile returns one file's content.
func GetFile(treeRoot string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rel, ok := treePath(c)
		if !ok {
			return
		}
		abs, err := validation.SafeJoin(treeRoot, rel)
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		data, err := os.ReadFile(abs)
		if err != nil {
			if os.IsNotExist(err) {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "file not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, datatypes.FileContentResponse{Path: rel, Content: string(data)})
	}
}

// PutFile replaces one file through the pipeline, so the write gets
// the full snapshot/validate/reload/commit arc.
func PutFile(p *pipeline.Pipeline) gin.HandlerFunc {
	return fileMutation(p, pipeline.OpWriteFile)
}

// PatchFile appends to one file through the pipeline.
func PatchFile(p *pipeline.Pipeline) gin.HandlerFunc {
	return fileMutation(p, pipeline.OpAppendFile)
}

func fileMutation(p *pipeline.Pipeline, op pipeline.ChangeOp) gin.HandlerFunc {
	return func(c *gin.Context) {
		rel, ok := treePath(c)
		if !ok {
			return
		}
		var req datatypes.FileWriteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		res, _ := p.Apply(c.Request.Context(), pipeline.Batch{
			Message: req.Message,
			Reload:  req.Reload,
			Changes: []pipeline.ChangeRequest{
				{Op: op, Path: rel, Content: req.Content},
			},
		})
		c.JSON(mutationStatus(res.State), res)
	}
}

// DeleteFile removes one file through the pipeline.
func DeleteFile(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		rel, ok := treePath(c)
		if !ok {
			return
		}

		res, _ := p.Apply(c.Request.Context(), pipeline.Batch{
			Message: "delete " + rel,
			Changes: []pipeline.ChangeRequest{
				{Op: pipeline.OpDeleteFile, Path: rel},
			},
		})
		c.JSON(mutationStatus(res.State), res)
	}
}
