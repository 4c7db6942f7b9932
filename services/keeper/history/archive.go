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
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"
)

// =============================================================================
// Tree Scanning
// =============================================================================

// treeEntry is one regular file discovered by scanTree.
type treeEntry struct {
	// RelPath is the slash-separated path relative to the tree root.
	RelPath string
	// AbsPath is the absolute on-disk path.
	AbsPath string
	// Mode is the file's permission bits.
	Mode fs.FileMode
	// Size is the file size in bytes.
	Size int64
}

// scanTree walks root and returns all regular files not matched by the
// ignore patterns, sorted by relative path. Sorting makes the archive
// byte-deterministic for identical tree content.
func scanTree(root string, ignore []string) ([]treeEntry, error) {
	var entries []treeEntry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if ignored(rel, d.IsDir(), ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			// Sockets, devices, and symlinks are not configuration
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}

		entries = append(entries, treeEntry{
			RelPath: rel,
			AbsPath: path,
			Mode:    info.Mode().Perm(),
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking tree: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelPath < entries[j].RelPath
	})
	return entries, nil
}

// ignored reports whether rel matches any of the doublestar patterns.
func ignored(rel string, isDir bool, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		// ".storage/**" must also prune the ".storage" directory itself
		if isDir && strings.HasSuffix(pattern, "/**") {
			if ok, _ := doublestar.Match(strings.TrimSuffix(pattern, "/**"), rel); ok {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// Archive Write
// =============================================================================

// writeArchive streams the entries as a zstd-compressed tar to destPath
// and returns the blake3 digest of the uncompressed tar stream plus a
// manifest of per-file digests.
//
// The tar stream is deterministic: entries are pre-sorted, timestamps
// are zeroed, and ownership fields are cleared, so identical tree
// content always produces the same digest.
func writeArchive(destPath string, entries []treeEntry) (digest string, manifest map[string]string, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".archive-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating archive temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		return "", nil, fmt.Errorf("creating zstd writer: %w", err)
	}

	hasher := blake3.New(32, nil)
	tw := tar.NewWriter(io.MultiWriter(hasher, zw))

	manifest = make(map[string]string, len(entries))
	for _, entry := range entries {
		fileDigest, copyErr := appendEntry(tw, entry)
		if copyErr != nil {
			return "", nil, fmt.Errorf("archiving %s: %w", entry.RelPath, copyErr)
		}
		manifest[entry.RelPath] = fileDigest
	}

	if err = tw.Close(); err != nil {
		return "", nil, fmt.Errorf("closing tar stream: %w", err)
	}
	if err = zw.Close(); err != nil {
		return "", nil, fmt.Errorf("closing zstd stream: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return "", nil, fmt.Errorf("syncing archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", nil, fmt.Errorf("closing archive: %w", err)
	}

	digest = fmt.Sprintf("%x", hasher.Sum(nil))

	if err = os.Rename(tmpName, destPath); err != nil {
		return "", nil, fmt.Errorf("placing archive: %w", err)
	}
	return digest, manifest, nil
}

// appendEntry writes one file into the tar stream and returns its
// blake3 content digest.
func appendEntry(tw *tar.Writer, entry treeEntry) (string, error) {
	f, err := os.Open(entry.AbsPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hdr := &tar.Header{
		Name:     entry.RelPath,
		Mode:     int64(entry.Mode),
		Size:     entry.Size,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return "", err
	}

	hasher := blake3.New(32, nil)
	if _, err := io.Copy(io.MultiWriter(tw, hasher), f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// =============================================================================
// Archive Read
// =============================================================================

// extractArchive unpacks the archive at srcPath into destDir. Paths in
// the archive are validated against destDir so a corrupted archive
// cannot write outside it.
func extractArchive(srcPath, destDir string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("creating zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(filepath.Separator)) {
			return fmt.Errorf("archive entry escapes destination: %q", hdr.Name)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", hdr.Name, err)
		}

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
		if err != nil {
			return fmt.Errorf("creating %s: %w", hdr.Name, err)
		}
		if _, err := io.Copy(out, tr); err != nil { //nolint:gosec // bounded by archive size
			out.Close()
			return fmt.Errorf("extracting %s: %w", hdr.Name, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", hdr.Name, err)
		}
	}
}
