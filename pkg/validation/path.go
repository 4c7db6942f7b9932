// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up in
// file paths, configuration keys, or service calls. Using these validators
// prevents path traversal and injection of malformed identifiers into the
// configuration tree.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// slugPattern matches dashboard and entry slugs.
// Allows: lowercase letters, digits, hyphens, underscores.
// Max length: 64 characters.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)

// componentPattern matches reloadable component names.
var componentPattern = regexp.MustCompile(`^[a-z][a-z_]{0,31}$`)

// ValidateRelativePath validates a caller-supplied path for use inside
// the configuration tree.
//
// Valid paths:
//   - Relative (no leading /)
//   - No "." or ".." elements after cleaning
//   - No NUL bytes
//
// Returns an error if the path is invalid.
//
// Example:
//
//	if err := validation.ValidateRelativePath(req.Path); err != nil {
//	    return fmt.Errorf("invalid path: %w", err)
//	}
//	full := filepath.Join(root, req.Path)
func ValidateRelativePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains NUL byte")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative: %q", path)
	}

	clean := filepath.Clean(path)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path escapes the configuration tree: %q", path)
	}

	return nil
}

// SafeJoin joins a caller-supplied relative path onto root, verifying
// the result stays inside root. Returns the absolute path on success.
//
// Use this instead of a bare filepath.Join for any path that crossed
// an API boundary:
//
//	full, err := validation.SafeJoin(cfg.TreeRoot, req.Path)
//	if err != nil {
//	    return err
//	}
func SafeJoin(root, path string) (string, error) {
	if err := ValidateRelativePath(path); err != nil {
		return "", err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}

	full := filepath.Join(absRoot, path)
	if full != absRoot && !strings.HasPrefix(full, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the configuration tree: %q", path)
	}

	return full, nil
}

// ValidateSlug validates a dashboard or entry slug.
//
// Valid slugs:
//   - 1-64 characters
//   - Lowercase letters, digits, underscores, hyphens
//   - Must start with a letter or digit
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("slug cannot be empty")
	}
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid slug format: %q (must be 1-64 lowercase alphanumeric chars, underscores, or hyphens)", slug)
	}
	return nil
}

// ValidateComponent validates a reloadable component name.
func ValidateComponent(component string) error {
	if component == "" {
		return fmt.Errorf("component cannot be empty")
	}
	if !componentPattern.MatchString(component) {
		return fmt.Errorf("invalid component name: %q", component)
	}
	return nil
}

// SanitizeSlug normalizes and validates a slug. Returns the lowercase
// slug if valid, or an error if invalid.
func SanitizeSlug(slug string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(slug))
	if err := ValidateSlug(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
