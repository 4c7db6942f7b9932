// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history provides append-only versioned snapshots of the
// configuration tree.
//
// # Description
//
// A Store captures the tree's byte-for-byte state as immutable
// snapshots forming a linear chain. Snapshot payloads are deterministic
// zstd-compressed tar archives addressed by their blake3 digest;
// metadata (id, sequence, parent, message, timestamp, and a per-file
// digest manifest) lives in an embedded badger index. Identical tree
// content stored twice shares one archive on disk.
//
// Snapshots are never mutated. Prune deletes only from the tail of the
// chain (oldest first) and never merges.
//
// # Degraded State
//
// A restore that fails partway leaves the tree in an unknown mix of
// old and new content. The store then writes a marker file at the tree
// root and refuses further snapshots until an operator removes it. It
// never presents a half-restored tree as healthy.
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Tree-level
// serialization (one mutation at a time) is the pipeline's job, not
// this package's.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound indicates an unknown snapshot id.
	ErrNotFound = errors.New("snapshot not found")

	// ErrIOFailure indicates the underlying storage failed. The
	// enclosing mutation must abort.
	ErrIOFailure = errors.New("storage failure")

	// ErrDegraded indicates a previous restore failed partway and the
	// tree needs operator intervention before further snapshots.
	ErrDegraded = errors.New("tree is in degraded state")
)

// DegradedMarker is the file written at the tree root after a partial
// restore. Its presence blocks all snapshot and restore operations.
const DegradedMarker = ".keeper_degraded"

// =============================================================================
// Types
// =============================================================================

// SnapshotID identifies one snapshot. The format is
// "{seq}-{archive digest prefix}"; ids are stable across prune.
type SnapshotID string

// Snapshot is one immutable recorded state of the tree.
type Snapshot struct {
	// ID identifies this snapshot.
	ID SnapshotID `json:"id"`
	// Seq is the position in the chain, ascending from 1.
	Seq uint64 `json:"seq"`
	// Parent is the previous snapshot in the chain, empty for the first.
	Parent SnapshotID `json:"parent,omitempty"`
	// Message is the caller-supplied description.
	Message string `json:"message"`
	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`
	// ArchiveDigest is the blake3 digest of the uncompressed archive.
	ArchiveDigest string `json:"archive_digest"`
	// Manifest maps tree-relative paths to per-file blake3 digests.
	Manifest map[string]string `json:"manifest"`
}

// DiffEntry classifies one path difference between two snapshots.
type DiffEntry struct {
	Path   string `json:"path"`
	Change string `json:"change"` // added, modified, deleted
}

// Config configures a Store.
type Config struct {
	// TreeRoot is the configuration tree being versioned.
	TreeRoot string
	// DataDir holds archives/ and index/ for this store.
	DataDir string
	// IgnorePatterns are doublestar globs excluded from snapshots.
	IgnorePatterns []string
	// InMemoryIndex uses an in-memory metadata index (testing).
	InMemoryIndex bool
	// Logger defaults to slog.Default with a component attribute.
	Logger *slog.Logger
}

// =============================================================================
// Store
// =============================================================================

// Store is the append-only snapshot store. Create with NewStore and
// release with Close.
type Store struct {
	treeRoot   string
	archiveDir string
	ignore     []string
	ix         *index
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewStore opens (or creates) a snapshot store.
//
// # Inputs
//
//   - cfg: Store configuration. TreeRoot and DataDir are required.
//
// # Outputs
//
//   - *Store: Ready-to-use store. Caller must Close().
//   - error: Non-nil if directories cannot be created or the index
//     cannot be opened.
func NewStore(cfg Config) (*Store, error) {
	if cfg.TreeRoot == "" {
		return nil, errors.New("TreeRoot is required")
	}
	if cfg.DataDir == "" && !cfg.InMemoryIndex {
		return nil, errors.New("DataDir is required")
	}

	treeRoot, err := filepath.Abs(cfg.TreeRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving tree root: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "history.Store")
	}

	archiveDir := filepath.Join(cfg.DataDir, "archives")
	if cfg.DataDir != "" {
		if err := os.MkdirAll(archiveDir, 0750); err != nil {
			return nil, fmt.Errorf("%w: creating archive directory: %v", ErrIOFailure, err)
		}
	}

	ix, err := openIndex(indexConfig{
		Path:       filepath.Join(cfg.DataDir, "index"),
		InMemory:   cfg.InMemoryIndex,
		SyncWrites: !cfg.InMemoryIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	return &Store{
		treeRoot:   treeRoot,
		archiveDir: archiveDir,
		ignore:     cfg.IgnorePatterns,
		ix:         ix,
		logger:     logger,
	}, nil
}

// Close releases the metadata index.
func (s *Store) Close() error {
	return s.ix.Close()
}

// Snapshot captures the tree's current state as a new snapshot at the
// head of the chain.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - message: Human-readable description stored with the snapshot.
//
// # Outputs
//
//   - SnapshotID: Id of the new snapshot.
//   - error: ErrDegraded if the tree carries a degraded marker,
//     ErrIOFailure if storage is unwritable. Either aborts the
//     enclosing mutation before any edit is applied.
func (s *Store) Snapshot(ctx context.Context, message string) (SnapshotID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if reason, degraded := s.degraded(); degraded {
		return "", fmt.Errorf("%w: %s", ErrDegraded, reason)
	}

	entries, err := scanTree(s.treeRoot, s.ignore)
	if err != nil {
		return "", fmt.Errorf("%w: scanning tree: %v", ErrIOFailure, err)
	}

	// Stream through a temp file first so the digest names the final
	// archive; identical content reuses the existing archive.
	digest, manifest, err := writeArchive(filepath.Join(s.archiveDir, ".pending.tar.zst"), entries)
	if err != nil {
		return "", fmt.Errorf("%w: writing archive: %v", ErrIOFailure, err)
	}

	finalPath := s.archivePath(digest)
	if _, statErr := os.Stat(finalPath); statErr == nil {
		// Same content already archived
		os.Remove(filepath.Join(s.archiveDir, ".pending.tar.zst"))
	} else if renameErr := os.Rename(filepath.Join(s.archiveDir, ".pending.tar.zst"), finalPath); renameErr != nil {
		return "", fmt.Errorf("%w: placing archive: %v", ErrIOFailure, renameErr)
	}

	seq, err := s.ix.NextSeq()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	var parent SnapshotID
	if head, headErr := s.ix.List(1); headErr == nil && len(head) > 0 {
		parent = head[0].ID
	}

	snap := Snapshot{
		ID:            SnapshotID(fmt.Sprintf("%d-%s", seq, digest[:12])),
		Seq:           seq,
		Parent:        parent,
		Message:       message,
		Timestamp:     time.Now().UTC(),
		ArchiveDigest: digest,
		Manifest:      manifest,
	}
	if err := s.ix.Put(snap); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	s.logger.Info("snapshot created",
		"snapshot_id", snap.ID,
		"files", len(manifest),
		"message", message)

	return snap.ID, nil
}

// Restore replaces the entire tree with the snapshot's contents.
//
// # Description
//
// The archive is staged into a scratch directory first; the tree is
// only touched after the stage succeeds. Files present in the tree but
// absent from the snapshot (and not ignored) are removed. On partial
// failure a degraded marker is written at the tree root and ErrIOFailure
// is returned; the store then refuses further work until the marker is
// cleared by an operator.
//
// # Inputs
//
//   - ctx: Context for cancellation, checked before the tree is touched.
//   - id: Snapshot to restore.
//
// # Outputs
//
//   - error: ErrNotFound for an unknown id, ErrDegraded if a marker is
//     already present, ErrIOFailure on partial restore.
func (s *Store) Restore(ctx context.Context, id SnapshotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if reason, degraded := s.degraded(); degraded {
		return fmt.Errorf("%w: %s", ErrDegraded, reason)
	}

	snap, err := s.ix.Get(id)
	if err != nil {
		return err
	}

	staging, err := os.MkdirTemp(filepath.Dir(s.archiveDir), "restore-*")
	if err != nil {
		return fmt.Errorf("%w: creating staging directory: %v", ErrIOFailure, err)
	}
	defer os.RemoveAll(staging)

	if err := extractArchive(s.archivePath(snap.ArchiveDigest), staging); err != nil {
		// Nothing in the tree was touched yet
		return fmt.Errorf("%w: staging snapshot %s: %v", ErrIOFailure, id, err)
	}

	if err := s.swapTree(staging, snap); err != nil {
		s.markDegraded(fmt.Sprintf("partial restore of %s: %v", id, err))
		return fmt.Errorf("%w: restoring snapshot %s: %v", ErrIOFailure, id, err)
	}

	s.logger.Info("snapshot restored",
		"snapshot_id", id,
		"files", len(snap.Manifest))
	return nil
}

// History returns snapshots most recent first, up to limit (0 = all).
func (s *Store) History(ctx context.Context, limit int) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.ix.List(limit)
}

// Find returns snapshots whose message contains the substring, most
// recent first. A linear scan; ties break most-recent-first by
// construction.
func (s *Store) Find(ctx context.Context, substring string) ([]Snapshot, error) {
	all, err := s.History(ctx, 0)
	if err != nil {
		return nil, err
	}
	var matched []Snapshot
	for _, snap := range all {
		if strings.Contains(snap.Message, substring) {
			matched = append(matched, snap)
		}
	}
	return matched, nil
}

// Get returns one snapshot's metadata, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id SnapshotID) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	return s.ix.Get(id)
}

// Prune deletes all but the most recent retain snapshots from the tail
// of the chain. Idempotent and safe to call after every snapshot.
// Archives still referenced by a retained snapshot are kept.
func (s *Store) Prune(ctx context.Context, retain int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if retain < 1 {
		return fmt.Errorf("retain must be at least 1, got %d", retain)
	}

	all, err := s.ix.List(0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if len(all) <= retain {
		return nil
	}

	// List is most recent first; everything past retain is the tail
	retained := all[:retain]
	doomed := all[retain:]

	kept := make(map[string]struct{}, len(retained))
	for _, snap := range retained {
		kept[snap.ArchiveDigest] = struct{}{}
	}

	for _, snap := range doomed {
		if err := s.ix.Delete(snap); err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		if _, stillReferenced := kept[snap.ArchiveDigest]; !stillReferenced {
			if err := os.Remove(s.archivePath(snap.ArchiveDigest)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: removing archive for %s: %v", ErrIOFailure, snap.ID, err)
			}
		}
	}

	s.logger.Info("pruned snapshots",
		"removed", len(doomed),
		"retained", retain)
	return nil
}

// Diff compares two snapshots by manifest and returns per-path changes
// sorted by path. Directionality is a -> b: a path present only in b
// is "added".
func (s *Store) Diff(ctx context.Context, a, b SnapshotID) ([]DiffEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snapA, err := s.ix.Get(a)
	if err != nil {
		return nil, err
	}
	snapB, err := s.ix.Get(b)
	if err != nil {
		return nil, err
	}

	var diff []DiffEntry
	for path, digestA := range snapA.Manifest {
		digestB, inB := snapB.Manifest[path]
		switch {
		case !inB:
			diff = append(diff, DiffEntry{Path: path, Change: "deleted"})
		case digestA != digestB:
			diff = append(diff, DiffEntry{Path: path, Change: "modified"})
		}
	}
	for path := range snapB.Manifest {
		if _, inA := snapA.Manifest[path]; !inA {
			diff = append(diff, DiffEntry{Path: path, Change: "added"})
		}
	}

	sort.Slice(diff, func(i, j int) bool { return diff[i].Path < diff[j].Path })
	return diff, nil
}

// Degraded reports whether the tree carries a degraded marker, and the
// recorded reason when it does.
func (s *Store) Degraded() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded()
}

// ClearDegraded removes the degraded marker. Operator action only.
func (s *Store) ClearDegraded() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.treeRoot, DegradedMarker))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing degraded marker: %v", ErrIOFailure, err)
	}
	s.logger.Warn("degraded marker cleared")
	return nil
}

// =============================================================================
// Internal helpers
// =============================================================================

// archivePath returns the on-disk path for an archive digest.
func (s *Store) archivePath(digest string) string {
	return filepath.Join(s.archiveDir, digest+".tar.zst")
}

// degraded checks the marker file. Callers hold s.mu.
func (s *Store) degraded() (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.treeRoot, DegradedMarker))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// markDegraded writes the marker file. Failures are logged; there is
// nothing further to do if even the marker cannot be written.
func (s *Store) markDegraded(reason string) {
	marker := filepath.Join(s.treeRoot, DegradedMarker)
	content := fmt.Sprintf("%s\n%s\n", time.Now().UTC().Format(time.RFC3339), reason)
	if err := os.WriteFile(marker, []byte(content), 0644); err != nil {
		s.logger.Error("CRITICAL: failed to write degraded marker",
			"reason", reason,
			"error", err)
		return
	}
	s.logger.Error("tree marked degraded, operator intervention required",
		"reason", reason)
}

// swapTree copies the staged snapshot over the live tree and removes
// live files absent from the snapshot. Any error leaves the tree
// inconsistent; the caller writes the degraded marker.
func (s *Store) swapTree(staging string, snap Snapshot) error {
	// Copy staged content into place
	for rel := range snap.Manifest {
		src := filepath.Join(staging, filepath.FromSlash(rel))
		dst := filepath.Join(s.treeRoot, filepath.FromSlash(rel))

		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", rel, err)
		}
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}
	}

	// Remove live files the snapshot does not contain
	current, err := scanTree(s.treeRoot, s.ignore)
	if err != nil {
		return fmt.Errorf("rescanning tree: %w", err)
	}
	for _, entry := range current {
		if entry.RelPath == DegradedMarker {
			continue
		}
		if _, keep := snap.Manifest[entry.RelPath]; !keep {
			if err := os.Remove(entry.AbsPath); err != nil {
				return fmt.Errorf("removing %s: %w", entry.RelPath, err)
			}
		}
	}
	return nil
}

// copyFile copies src to dst preserving the source's permission bits,
// syncing before close. Staging and tree may be on different mounts,
// so a rename is not an option.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
