// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watcher detects edits made to the configuration tree by
// anything other than this service, so a mutation can warn that its
// pre-edit snapshot already differs from what the operator last saw.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// TreeWatcher watches the configuration tree recursively and keeps a
// sticky dirty flag.
//
// # Thread Safety
//
// Consume is safe for concurrent use. Run must be called once.
type TreeWatcher struct {
	root   string
	fsw    *fsnotify.Watcher
	logger *slog.Logger
	dirty  atomic.Bool
}

// New creates a watcher rooted at root. Directories added to the tree
// later are picked up as their create events arrive.
func New(root string, logger *slog.Logger) (*TreeWatcher, error) {
	if root == "" {
		return nil, fmt.Errorf("root is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}

	w := &TreeWatcher{
		root:   root,
		fsw:    fsw,
		logger: logger.With("component", "watcher.TreeWatcher"),
	}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes events until ctx ends. Always returns nil after a
// clean shutdown so an errgroup does not treat cancellation as a
// failure.
func (w *TreeWatcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.dirty.Store(true)
			if event.Op.Has(fsnotify.Create) {
				// New directories need their own watch
				if err := w.addIfDir(event.Name); err != nil {
					w.logger.Warn("watching new directory failed",
						"path", event.Name, "error", err)
				}
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fs watcher error", "error", err)
		}
	}
}

// Consume returns whether the tree changed since the last call and
// clears the flag.
func (w *TreeWatcher) Consume() bool {
	return w.dirty.Swap(false)
}

func (w *TreeWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("watching %s: %w", path, err)
			}
		}
		return nil
	})
}

func (w *TreeWatcher) addIfDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		// Already gone; nothing to watch
		return nil
	}
	if info.IsDir() {
		return w.addRecursive(path)
	}
	return nil
}
