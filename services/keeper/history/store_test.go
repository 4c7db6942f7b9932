// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore creates a store over a scratch tree with a few seed files.
func newTestStore(t *testing.T, ignore []string) (*Store, string) {
	t.Helper()

	tree := t.TempDir()
	data := t.TempDir()

	writeTreeFile(t, tree, "configuration.yaml", "homeassistant:\n  name: Home\n")
	writeTreeFile(t, tree, "automations.yaml", "[]\n")
	writeTreeFile(t, tree, "dashboards/main.yaml", "views: []\n")

	store, err := NewStore(Config{
		TreeRoot:       tree,
		DataDir:        data,
		IgnorePatterns: ignore,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, tree
}

func writeTreeFile(t *testing.T, tree, rel, content string) {
	t.Helper()
	path := filepath.Join(tree, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readTreeFile(t *testing.T, tree, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(tree, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestSnapshotAndHistory(t *testing.T) {
	store, tree := newTestStore(t, nil)
	ctx := context.Background()

	first, err := store.Snapshot(ctx, "initial state")
	require.NoError(t, err)

	writeTreeFile(t, tree, "automations.yaml", "- alias: morning\n")
	second, err := store.Snapshot(ctx, "add morning automation")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)

	snaps, err := store.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	// Most recent first
	assert.Equal(t, second, snaps[0].ID)
	assert.Equal(t, first, snaps[1].ID)
	assert.Equal(t, first, snaps[0].Parent)
	assert.Empty(t, snaps[1].Parent)
	assert.Equal(t, "add morning automation", snaps[0].Message)
}

func TestHistoryLimit(t *testing.T) {
	store, tree := newTestStore(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		writeTreeFile(t, tree, "configuration.yaml", string(rune('a'+i)))
		_, err := store.Snapshot(ctx, "change")
		require.NoError(t, err)
	}

	snaps, err := store.History(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestRestoreRoundTrip(t *testing.T) {
	store, tree := newTestStore(t, nil)
	ctx := context.Background()

	id, err := store.Snapshot(ctx, "before edits")
	require.NoError(t, err)

	// Mutate, add, and delete files after the snapshot
	writeTreeFile(t, tree, "configuration.yaml", "changed\n")
	writeTreeFile(t, tree, "scripts.yaml", "new file\n")
	require.NoError(t, os.Remove(filepath.Join(tree, "automations.yaml")))

	require.NoError(t, store.Restore(ctx, id))

	assert.Equal(t, "homeassistant:\n  name: Home\n", readTreeFile(t, tree, "configuration.yaml"))
	assert.Equal(t, "[]\n", readTreeFile(t, tree, "automations.yaml"))
	_, err = os.Stat(filepath.Join(tree, "scripts.yaml"))
	assert.True(t, os.IsNotExist(err), "file added after snapshot must be removed")
}

func TestRestoreUnknownID(t *testing.T) {
	store, _ := newTestStore(t, nil)

	err := store.Restore(context.Background(), "999-deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIgnorePatterns(t *testing.T) {
	store, tree := newTestStore(t, []string{"**/*.db", ".storage/**", "secrets.yaml"})
	ctx := context.Background()

	writeTreeFile(t, tree, "hub.db", "binary")
	writeTreeFile(t, tree, ".storage/auth", "{}")
	writeTreeFile(t, tree, "secrets.yaml", "password: hunter2")

	id, err := store.Snapshot(ctx, "with noise")
	require.NoError(t, err)

	snap, err := store.Get(ctx, id)
	require.NoError(t, err)

	assert.Contains(t, snap.Manifest, "configuration.yaml")
	assert.NotContains(t, snap.Manifest, "hub.db")
	assert.NotContains(t, snap.Manifest, ".storage/auth")
	assert.NotContains(t, snap.Manifest, "secrets.yaml")

	// Restore must not delete ignored files either
	require.NoError(t, store.Restore(ctx, id))
	assert.Equal(t, "password: hunter2", readTreeFile(t, tree, "secrets.yaml"))
}

func TestPruneRetainsTail(t *testing.T) {
	store, tree := newTestStore(t, nil)
	ctx := context.Background()

	var ids []SnapshotID
	for i := 0; i < 5; i++ {
		writeTreeFile(t, tree, "configuration.yaml", string(rune('a'+i)))
		id, err := store.Snapshot(ctx, "change")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, store.Prune(ctx, 2))

	snaps, err := store.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, ids[4], snaps[0].ID)
	assert.Equal(t, ids[3], snaps[1].ID)

	// Pruned ids are gone, retained ids restorable
	assert.ErrorIs(t, store.Restore(ctx, ids[0]), ErrNotFound)
	assert.NoError(t, store.Restore(ctx, ids[3]))
}

func TestPruneIdempotent(t *testing.T) {
	store, tree := newTestStore(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		writeTreeFile(t, tree, "configuration.yaml", string(rune('a'+i)))
		_, err := store.Snapshot(ctx, "change")
		require.NoError(t, err)
	}

	require.NoError(t, store.Prune(ctx, 2))
	require.NoError(t, store.Prune(ctx, 2))
	require.NoError(t, store.Prune(ctx, 2))

	snaps, err := store.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestPruneKeepsSharedArchives(t *testing.T) {
	store, tree := newTestStore(t, nil)
	ctx := context.Background()

	// Two snapshots of identical content share one archive
	first, err := store.Snapshot(ctx, "same content A")
	require.NoError(t, err)
	second, err := store.Snapshot(ctx, "same content B")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	require.NoError(t, store.Prune(ctx, 1))

	// The retained snapshot must still restore
	writeTreeFile(t, tree, "configuration.yaml", "scratch\n")
	require.NoError(t, store.Restore(ctx, second))
	assert.Equal(t, "homeassistant:\n  name: Home\n", readTreeFile(t, tree, "configuration.yaml"))
}

func TestFindBySubstring(t *testing.T) {
	store, tree := newTestStore(t, nil)
	ctx := context.Background()

	writeTreeFile(t, tree, "configuration.yaml", "a")
	_, err := store.Snapshot(ctx, "pre-change automations")
	require.NoError(t, err)

	writeTreeFile(t, tree, "configuration.yaml", "b")
	_, err = store.Snapshot(ctx, "dashboard registered")
	require.NoError(t, err)

	writeTreeFile(t, tree, "configuration.yaml", "c")
	_, err = store.Snapshot(ctx, "post-change automations")
	require.NoError(t, err)

	matched, err := store.Find(ctx, "automations")
	require.NoError(t, err)
	require.Len(t, matched, 2)

	// Most recent first
	assert.Equal(t, "post-change automations", matched[0].Message)
	assert.Equal(t, "pre-change automations", matched[1].Message)
}

func TestDiff(t *testing.T) {
	store, tree := newTestStore(t, nil)
	ctx := context.Background()

	a, err := store.Snapshot(ctx, "a")
	require.NoError(t, err)

	writeTreeFile(t, tree, "automations.yaml", "- alias: changed\n")
	writeTreeFile(t, tree, "scripts.yaml", "wake_up:\n")
	require.NoError(t, os.Remove(filepath.Join(tree, filepath.FromSlash("dashboards/main.yaml"))))

	b, err := store.Snapshot(ctx, "b")
	require.NoError(t, err)

	diff, err := store.Diff(ctx, a, b)
	require.NoError(t, err)

	want := []DiffEntry{
		{Path: "automations.yaml", Change: "modified"},
		{Path: "dashboards/main.yaml", Change: "deleted"},
		{Path: "scripts.yaml", Change: "added"},
	}
	assert.Equal(t, want, diff)
}

func TestDegradedBlocksSnapshots(t *testing.T) {
	store, tree := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(
		filepath.Join(tree, DegradedMarker),
		[]byte("partial restore of 3-abc: disk full\n"), 0644))

	_, err := store.Snapshot(ctx, "should fail")
	assert.ErrorIs(t, err, ErrDegraded)

	reason, degraded := store.Degraded()
	assert.True(t, degraded)
	assert.Contains(t, reason, "disk full")

	require.NoError(t, store.ClearDegraded())
	_, err = store.Snapshot(ctx, "works again")
	assert.NoError(t, err)
}

func TestSnapshotReplayIdempotent(t *testing.T) {
	store, tree := newTestStore(t, nil)
	ctx := context.Background()

	writeTreeFile(t, tree, "automations.yaml", "- alias: final\n")
	id, err := store.Snapshot(ctx, "committed")
	require.NoError(t, err)

	// Restore the committed snapshot, re-apply the same change,
	// and verify the tree content digest is unchanged.
	require.NoError(t, store.Restore(ctx, id))
	writeTreeFile(t, tree, "automations.yaml", "- alias: final\n")

	replay, err := store.Snapshot(ctx, "replayed")
	require.NoError(t, err)

	orig, err := store.Get(ctx, id)
	require.NoError(t, err)
	replayed, err := store.Get(ctx, replay)
	require.NoError(t, err)

	assert.Equal(t, orig.ArchiveDigest, replayed.ArchiveDigest,
		"replaying the same change must yield byte-identical output")
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(Config{DataDir: t.TempDir()})
	assert.Error(t, err)

	_, err = NewStore(Config{TreeRoot: t.TempDir()})
	assert.Error(t, err)
}

func TestSnapshotContextCancelled(t *testing.T) {
	store, _ := newTestStore(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Snapshot(ctx, "cancelled")
	assert.True(t, errors.Is(err, context.Canceled))
}
