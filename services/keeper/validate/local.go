// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// LocalChecker verifies that every YAML file in the tree parses.
//
// # Description
//
// LocalChecker is a syntactic pre-flight, not a substitute for the
// hub's own config check: it catches malformed documents before a
// round trip to the hub, yielding file and line diagnostics the hub
// check cannot always attribute. Documents are decoded into yaml
// nodes, so hub-specific tags such as !include pass untouched.
//
// # Thread Safety
//
// Safe for concurrent use; the checker holds no mutable state.
type LocalChecker struct {
	treeRoot string
	ignore   []string
}

// yamlLinePattern extracts the line number from yaml.v3 error text.
var yamlLinePattern = regexp.MustCompile(`line (\d+):`)

// NewLocalChecker creates a checker over the tree rooted at treeRoot.
// Files matching the ignore globs are not inspected.
func NewLocalChecker(treeRoot string, ignore []string) (*LocalChecker, error) {
	if treeRoot == "" {
		return nil, fmt.Errorf("treeRoot is required")
	}
	abs, err := filepath.Abs(treeRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving tree root: %w", err)
	}
	return &LocalChecker{treeRoot: abs, ignore: ignore}, nil
}

// Check parses every .yaml and .yml file under the tree.
func (c *LocalChecker) Check(ctx context.Context) (Result, error) {
	var diags []Diagnostic

	err := filepath.WalkDir(c.treeRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(c.treeRoot, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if c.skip(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(rel))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("reading %s: %w", rel, readErr)
		}
		diags = append(diags, checkDocument(rel, data)...)
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		return Unreachable(fmt.Sprintf("tree not readable: %v", err)), nil
	}

	if len(diags) == 0 {
		return Valid(), nil
	}
	sort.Slice(diags, func(i, j int) bool {
		if diags[i].File != diags[j].File {
			return diags[i].File < diags[j].File
		}
		return diags[i].Line < diags[j].Line
	})
	return Invalid(diags...), nil
}

func (c *LocalChecker) skip(rel string, isDir bool) bool {
	for _, pattern := range c.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if isDir && strings.HasSuffix(pattern, "/**") {
			if ok, _ := doublestar.Match(strings.TrimSuffix(pattern, "/**"), rel); ok {
				return true
			}
		}
	}
	return false
}

// checkDocument parses every document in a YAML stream and returns a
// diagnostic per parse failure.
func checkDocument(rel string, data []byte) []Diagnostic {
	var diags []Diagnostic

	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return diags
		}

		diags = append(diags, Diagnostic{
			File:    rel,
			Line:    errorLine(err),
			Message: strings.TrimPrefix(err.Error(), "yaml: "),
		})
		// The decoder cannot recover past a syntax error
		return diags
	}
}

// errorLine pulls the first line number out of a yaml error, 0 when
// the error carries none.
func errorLine(err error) int {
	m := yamlLinePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	n, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0
	}
	return n
}
