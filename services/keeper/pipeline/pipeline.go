// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline serializes all writes to the configuration tree.
// Every mutation batch runs the same arc: snapshot the tree, apply
// the edits, validate, push a live reload, snapshot the committed
// state, prune old history. Any failure after the first snapshot
// rolls the tree back to it, so the tree is never left in a state
// the hub has not accepted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/HearthLocal/pkg/validation"
	"github.com/AleutianAI/HearthLocal/services/keeper/history"
	"github.com/AleutianAI/HearthLocal/services/keeper/validate"
	"github.com/AleutianAI/HearthLocal/services/keeper/yamledit"
)

// ChangeOp names one kind of tree edit.
type ChangeOp string

const (
	// OpWriteFile replaces (or creates) a file with Content.
	OpWriteFile ChangeOp = "write_file"
	// OpAppendFile appends Content to an existing or new file.
	OpAppendFile ChangeOp = "append_file"
	// OpDeleteFile removes a file.
	OpDeleteFile ChangeOp = "delete_file"
	// OpUpsertEntry inserts or replaces a keyed entry in a document
	// section via the structured editor.
	OpUpsertEntry ChangeOp = "upsert_entry"
	// OpRemoveEntry removes a keyed entry, dropping section headers
	// left empty.
	OpRemoveEntry ChangeOp = "remove_entry"
)

// ChangeRequest is one edit inside a batch.
type ChangeRequest struct {
	Op ChangeOp `json:"op"`
	// Path is the tree-relative target file.
	Path string `json:"path"`
	// Content is the file body for write/append, or the entry block
	// for upsert.
	Content string `json:"content,omitempty"`
	// Section and Key address structured edits.
	Section string `json:"section,omitempty"`
	Key     string `json:"key,omitempty"`
}

// Batch is an atomic group of changes: one snapshot before, one
// validation, one reload, and one commit snapshot after, no matter
// how many changes it holds. Concurrent batches queue behind the
// mutation lock; they are never merged.
type Batch struct {
	Changes []ChangeRequest `json:"changes"`
	// Reload names the component to reload after validation;
	// defaults to "all".
	Reload string `json:"reload,omitempty"`
	// Message is recorded on both snapshots.
	Message string `json:"message,omitempty"`
}

// State is the position of a batch in its lifecycle.
type State string

const (
	StateRequested   State = "requested"
	StateSnapshotted State = "snapshotted"
	StateEdited      State = "edited"
	StateValidating  State = "validating"
	StateApplying    State = "applying"
	StateRolledBack  State = "rolled_back"
	StateCommitted   State = "committed"
	StateFailed      State = "failed"
)

// Result reports how a batch ended.
type Result struct {
	BatchID string `json:"batch_id"`
	State   State  `json:"state"`
	// SnapshotID is the pre-edit snapshot. Set as soon as the first
	// snapshot lands, so failed batches always name their rollback
	// point.
	SnapshotID history.SnapshotID `json:"snapshot_id,omitempty"`
	// CommitID is the post-reload snapshot, set only on commit.
	CommitID history.SnapshotID `json:"commit_id,omitempty"`
	// Validation carries the gate verdict when one was obtained.
	Validation *validate.Result `json:"validation,omitempty"`
	// Detail is a human-readable failure description.
	Detail string `json:"detail,omitempty"`
}

// Historian is the slice of the history store the pipeline uses.
type Historian interface {
	Snapshot(ctx context.Context, message string) (history.SnapshotID, error)
	Restore(ctx context.Context, id history.SnapshotID) error
	Prune(ctx context.Context, retain int) error
}

// Reloader pushes configuration into the running hub.
type Reloader interface {
	Reload(ctx context.Context, component string) error
}

// ConfigChecker produces a verdict on the edited tree. Satisfied by
// *validate.Gate and *validate.LocalChecker.
type ConfigChecker interface {
	Check(ctx context.Context) (validate.Result, error)
}

// DirtyTracker reports whether the tree changed outside the pipeline
// since the flag was last consumed.
type DirtyTracker interface {
	Consume() bool
}

// Config assembles a Pipeline.
type Config struct {
	TreeRoot string
	Store    Historian
	Gate     ConfigChecker
	Reloader Reloader
	// Preflight is an optional cheap syntactic check run before the
	// gate to produce file and line diagnostics.
	Preflight ConfigChecker
	// Dirty is optional out-of-band edit detection.
	Dirty DirtyTracker
	// Retain is the snapshot count kept by the post-commit prune;
	// zero disables pruning.
	Retain int
	Logger *slog.Logger
}

// Pipeline applies mutation batches under a single mutation lock.
//
// # Thread Safety
//
// Safe for concurrent use. Batches are strictly serialized.
type Pipeline struct {
	cfg    Config
	editor *yamledit.Editor
	logger *slog.Logger

	// mu is the mutation lock. Held from the pre-edit snapshot to
	// the batch's terminal state.
	mu sync.Mutex
}

// New creates a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.TreeRoot == "" {
		return nil, fmt.Errorf("TreeRoot is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("Gate is required")
	}
	if cfg.Reloader == nil {
		return nil, fmt.Errorf("Reloader is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		editor: yamledit.New(),
		logger: cfg.Logger.With("component", "pipeline.Pipeline"),
	}, nil
}

// Apply runs one batch to a terminal state.
//
// # Description
//
// The returned Result always has State StateCommitted, StateRolledBack,
// or StateFailed. StateRolledBack means the hub rejected (or could not
// judge) the edited state and the tree was restored; no reload is
// issued on that path, since the hub never loaded the edits.
// StateFailed covers everything else: a batch that could not start, an
// edit that could not be applied, or a restore that itself failed. In
// the last case the tree needs operator attention and the error chain
// includes history.ErrDegraded where the store marked the tree.
//
// # Outputs
//
//   - Result: terminal state, snapshot ids, and the gate verdict.
//   - error: non-nil unless the batch committed.
func (p *Pipeline) Apply(ctx context.Context, batch Batch) (res Result, err error) {
	res = Result{BatchID: uuid.NewString(), State: StateRequested}
	if len(batch.Changes) == 0 {
		res.State = StateFailed
		res.Detail = "empty batch"
		return res, fmt.Errorf("batch has no changes")
	}
	if batch.Reload == "" {
		batch.Reload = "all"
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	incActive(ctx)
	defer decActive(ctx)

	logger := p.logger.With("batch_id", res.BatchID)
	logger.Info("mutation batch started",
		"changes", len(batch.Changes), "reload", batch.Reload)

	if p.cfg.Dirty != nil {
		if p.cfg.Dirty.Consume() {
			logger.Warn("tree was edited outside the pipeline since the last snapshot")
		}
		// Clear again on the way out so this batch's own writes are
		// not reported as external edits. Best effort: a watcher
		// event that arrives after the batch releases the lock will
		// still trip the flag.
		defer p.cfg.Dirty.Consume()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("mutation batch panicked", "panic", r)
			// The caller's context may already be dead
			p.rollback(context.Background(), logger, &res, "panic")
			recordMutation(context.Background(), string(res.State), time.Since(start), len(batch.Changes))
			err = fmt.Errorf("mutation batch panicked: %v", r)
		}
	}()

	snapID, err := p.cfg.Store.Snapshot(ctx, "pre-change: "+batch.Message)
	if err != nil {
		res.State = StateFailed
		res.Detail = fmt.Sprintf("pre-edit snapshot failed: %v", err)
		recordMutation(ctx, "snapshot_failed", time.Since(start), len(batch.Changes))
		return res, fmt.Errorf("taking pre-edit snapshot: %w", err)
	}
	res.SnapshotID = snapID
	res.State = StateSnapshotted

	for i, change := range batch.Changes {
		if err := p.applyChange(change); err != nil {
			res.Detail = fmt.Sprintf("change %d (%s %s) failed: %v", i, change.Op, change.Path, err)
			p.rollback(ctx, logger, &res, "edit")
			if res.State == StateRolledBack {
				// An edit that cannot even be applied is a failed
				// request, not a rejected configuration. The tree is
				// still restored so earlier changes in the batch do
				// not linger.
				res.State = StateFailed
			}
			recordMutation(ctx, string(res.State), time.Since(start), len(batch.Changes))
			return res, fmt.Errorf("applying change %d: %w", i, err)
		}
	}
	res.State = StateEdited

	res.State = StateValidating
	if p.cfg.Preflight != nil {
		verdict, checkErr := p.cfg.Preflight.Check(ctx)
		if checkErr == nil && verdict.Status == validate.StatusInvalid {
			res.Validation = &verdict
			res.Detail = "syntactic pre-flight rejected the edits"
			p.rollback(ctx, logger, &res, "invalid")
			recordMutation(ctx, string(res.State), time.Since(start), len(batch.Changes))
			return res, fmt.Errorf("pre-flight found %d problems", len(verdict.Diagnostics))
		}
	}

	verdict, err := p.cfg.Gate.Check(ctx)
	if err != nil {
		res.Detail = fmt.Sprintf("config check errored: %v", err)
		p.rollback(ctx, logger, &res, "unreachable")
		recordMutation(ctx, string(res.State), time.Since(start), len(batch.Changes))
		return res, fmt.Errorf("running config check: %w", err)
	}
	res.Validation = &verdict
	switch verdict.Status {
	case validate.StatusInvalid:
		res.Detail = "hub rejected the edited configuration"
		p.rollback(ctx, logger, &res, "invalid")
		recordMutation(ctx, string(res.State), time.Since(start), len(batch.Changes))
		return res, fmt.Errorf("configuration invalid: %d diagnostics", len(verdict.Diagnostics))
	case validate.StatusUnreachable:
		// No verdict means no commit. Hard stop, no retries here.
		res.Detail = "validation authority unreachable: " + verdict.Reason
		p.rollback(ctx, logger, &res, "unreachable")
		recordMutation(ctx, string(res.State), time.Since(start), len(batch.Changes))
		return res, fmt.Errorf("config check unreachable: %s", verdict.Reason)
	}

	res.State = StateApplying
	if err := p.cfg.Reloader.Reload(ctx, batch.Reload); err != nil {
		res.Detail = fmt.Sprintf("reload of %s failed: %v", batch.Reload, err)
		p.rollback(ctx, logger, &res, "reload")
		recordMutation(ctx, string(res.State), time.Since(start), len(batch.Changes))
		return res, fmt.Errorf("reloading %s: %w", batch.Reload, err)
	}

	commitID, err := p.cfg.Store.Snapshot(ctx, "commit: "+batch.Message)
	if err != nil {
		res.Detail = fmt.Sprintf("commit snapshot failed: %v", err)
		p.rollback(ctx, logger, &res, "commit")
		recordMutation(ctx, string(res.State), time.Since(start), len(batch.Changes))
		return res, fmt.Errorf("taking commit snapshot: %w", err)
	}
	res.CommitID = commitID
	res.State = StateCommitted

	if p.cfg.Retain > 0 {
		if pruneErr := p.cfg.Store.Prune(ctx, p.cfg.Retain); pruneErr != nil {
			// Pruning is housekeeping; a committed batch stays committed
			logger.Warn("post-commit prune failed", "error", pruneErr)
		}
	}

	recordMutation(ctx, "committed", time.Since(start), len(batch.Changes))
	logger.Info("mutation batch committed",
		"snapshot_id", res.SnapshotID, "commit_id", res.CommitID,
		"elapsed", time.Since(start))
	return res, nil
}

// rollback restores the pre-edit snapshot and surfaces the failure to
// the caller. No reload is issued: the hub never accepted the edited
// state, so its runtime still matches the restored files. Sets
// res.State to StateRolledBack, or StateFailed when the restore itself
// failed.
func (p *Pipeline) rollback(ctx context.Context, logger *slog.Logger, res *Result, reason string) {
	recordRollback(ctx, reason)
	logger.Warn("rolling back to pre-edit snapshot",
		"snapshot_id", res.SnapshotID, "reason", reason)

	if err := p.cfg.Store.Restore(ctx, res.SnapshotID); err != nil {
		res.State = StateFailed
		res.Detail = fmt.Sprintf("%s; rollback failed: %v", res.Detail, err)
		if errors.Is(err, history.ErrDegraded) || errors.Is(err, history.ErrIOFailure) {
			logger.Error("tree left in degraded state", "error", err)
		}
		return
	}
	res.State = StateRolledBack
}

// applyChange performs one edit against the tree.
func (p *Pipeline) applyChange(change ChangeRequest) error {
	target, err := validation.SafeJoin(p.cfg.TreeRoot, change.Path)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	switch change.Op {
	case OpWriteFile:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("creating parent directory: %w", err)
		}
		return os.WriteFile(target, []byte(change.Content), 0644)

	case OpAppendFile:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("creating parent directory: %w", err)
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		if _, err := f.WriteString(change.Content); err != nil {
			f.Close()
			return err
		}
		return f.Close()

	case OpDeleteFile:
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("deleting file: %w", err)
		}
		return nil

	case OpUpsertEntry:
		doc, err := os.ReadFile(target)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading document: %w", err)
		}
		edited, err := p.editor.UpsertEntry(string(doc), change.Section, change.Key, change.Content)
		if err != nil {
			return fmt.Errorf("upserting entry: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("creating parent directory: %w", err)
		}
		return os.WriteFile(target, []byte(edited), 0644)

	case OpRemoveEntry:
		doc, err := os.ReadFile(target)
		if err != nil {
			return fmt.Errorf("reading document: %w", err)
		}
		edited, err := p.editor.RemoveEntry(string(doc), change.Section, change.Key)
		if err != nil {
			return fmt.Errorf("removing entry: %w", err)
		}
		return os.WriteFile(target, []byte(edited), 0644)

	default:
		return fmt.Errorf("unknown change op %q", change.Op)
	}
}
