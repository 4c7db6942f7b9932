// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package yamledit patches named sections of YAML documents without a
// structural parse.
//
// # Description
//
// Hub configuration files mix plain mappings with custom directive
// tags ("automation: !include automations.yaml"). A structural parser
// would have to round-trip those unknown tags perfectly, and would
// re-order and re-quote everything else along the way. This editor
// instead works line-by-line: it locates a section by its header,
// scans the indentation span that belongs to it, and inserts, replaces,
// or deletes whole entries inside that span. Every line it does not
// explicitly own is copied through byte-for-byte, so directive lines
// survive any edit unmodified and in their original order.
//
// Sections are addressed by a dotted path ("lovelace.dashboards")
// descending one indentation level per element. The target document is
// always explicit; the editor never guesses which file owns a section.
//
// # Edge Cases
//
//   - Removing the last entry of a section also removes the section
//     header (and empty ancestor headers), avoiding a dangling empty
//     mapping.
//   - A section whose header carries a directive value cannot be
//     descended into; ErrDirectiveSection is returned.
//
// # Thread Safety
//
// Editor is stateless; all methods are safe for concurrent use.
package yamledit

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrSectionNotFound indicates the dotted section path does not
	// exist in the document.
	ErrSectionNotFound = errors.New("section not found")

	// ErrEntryNotFound indicates the named entry does not exist inside
	// the section.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrDirectiveSection indicates the section header carries a
	// directive value ("dashboards: !include x.yaml") and cannot be
	// edited in place.
	ErrDirectiveSection = errors.New("section is backed by a directive")
)

// indentWidth is the indentation step used for generated lines,
// matching the hub's own file conventions.
const indentWidth = 2

// Editor patches sections and entries in semi-structured YAML text.
type Editor struct{}

// New creates an Editor.
func New() *Editor {
	return &Editor{}
}

// =============================================================================
// Public Operations
// =============================================================================

// UpsertEntry inserts or replaces one entry inside a section.
//
// # Inputs
//
//   - doc: The full document text. The explicit target; never inferred.
//   - section: Dotted section path, e.g. "lovelace.dashboards".
//   - key: The entry key, e.g. "energy-panel".
//   - block: The entry rendered with its key line at column 0, e.g.
//     "energy-panel:\n  mode: yaml\n  title: Energy". Scalar entries
//     are a single "key: value" line.
//
// # Outputs
//
//   - string: The patched document.
//   - error: ErrDirectiveSection if the section cannot be descended
//     into, or a validation error for a malformed block. A missing
//     section is created at the end of the document.
func (e *Editor) UpsertEntry(doc, section, key, block string) (string, error) {
	if err := validateBlock(key, block); err != nil {
		return "", err
	}

	lines, trailingNewline := splitLines(doc)
	path := strings.Split(section, ".")

	span, depth, err := findSection(lines, path)
	if errors.Is(err, ErrSectionNotFound) {
		return createSection(lines, trailingNewline, path, depth, span, key, block), nil
	}
	if err != nil {
		return "", err
	}

	entryIndent := len(path) * indentWidth
	entryLines := indentBlock(block, entryIndent)

	start, end, found := findEntry(lines, span, entryIndent, key)
	if found {
		patched := append([]string{}, lines[:start]...)
		patched = append(patched, entryLines...)
		patched = append(patched, lines[end:]...)
		return joinLines(patched, trailingNewline), nil
	}

	// Insert at the end of the section span
	patched := append([]string{}, lines[:span.end]...)
	patched = append(patched, entryLines...)
	patched = append(patched, lines[span.end:]...)
	return joinLines(patched, trailingNewline), nil
}

// RemoveEntry deletes one entry from a section. Removing the last
// entry also removes the section header, and empty ancestor headers
// above it.
//
// # Outputs
//
//   - string: The patched document.
//   - error: ErrSectionNotFound, ErrEntryNotFound, or
//     ErrDirectiveSection.
func (e *Editor) RemoveEntry(doc, section, key string) (string, error) {
	lines, trailingNewline := splitLines(doc)
	path := strings.Split(section, ".")

	span, _, err := findSection(lines, path)
	if err != nil {
		return "", err
	}

	entryIndent := len(path) * indentWidth
	start, end, found := findEntry(lines, span, entryIndent, key)
	if !found {
		return "", fmt.Errorf("%w: %q in section %q", ErrEntryNotFound, key, section)
	}

	patched := append([]string{}, lines[:start]...)
	patched = append(patched, lines[end:]...)

	patched = removeEmptySections(patched, path)
	return joinLines(patched, trailingNewline), nil
}

// HasEntry reports whether the section contains the entry.
func (e *Editor) HasEntry(doc, section, key string) bool {
	lines, _ := splitLines(doc)
	path := strings.Split(section, ".")

	span, _, err := findSection(lines, path)
	if err != nil {
		return false
	}
	_, _, found := findEntry(lines, span, len(path)*indentWidth, key)
	return found
}

// Entries returns the keys present in a section, in document order.
func (e *Editor) Entries(doc, section string) ([]string, error) {
	lines, _ := splitLines(doc)
	path := strings.Split(section, ".")

	span, _, err := findSection(lines, path)
	if err != nil {
		return nil, err
	}

	entryIndent := len(path) * indentWidth
	var keys []string
	for i := span.start; i < span.end; i++ {
		if key, ok := entryKeyAt(lines[i], entryIndent); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// EnsureSection creates the dotted section path when it is missing,
// leaving existing content untouched. Useful before handing a document
// to tooling that expects the section to exist.
func (e *Editor) EnsureSection(doc, section string) (string, error) {
	lines, trailingNewline := splitLines(doc)
	path := strings.Split(section, ".")

	matched, depth, err := findSection(lines, path)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, ErrSectionNotFound) {
		return "", err
	}

	var tail []string
	for d := depth; d < len(path); d++ {
		tail = append(tail, strings.Repeat(" ", d*indentWidth)+path[d]+":")
	}

	if depth == 0 {
		patched := append([]string{}, lines...)
		if len(patched) > 0 && strings.TrimSpace(patched[len(patched)-1]) != "" {
			patched = append(patched, "")
		}
		patched = append(patched, tail...)
		return joinLines(patched, trailingNewline || len(lines) == 0), nil
	}

	patched := append([]string{}, lines[:matched.end]...)
	patched = append(patched, tail...)
	patched = append(patched, lines[matched.end:]...)
	return joinLines(patched, trailingNewline), nil
}

// =============================================================================
// Section Location
// =============================================================================

// span is a half-open line range [start, end) of a section's body,
// excluding the header line at start-1.
type span struct {
	header int
	start  int
	end    int
}

// findSection descends the dotted path and returns the innermost
// section's body span. On ErrSectionNotFound, depth reports how many
// path elements matched, so callers can append only the missing tail.
func findSection(lines []string, path []string) (span, int, error) {
	current := span{header: -1, start: 0, end: len(lines)}
	for depth, name := range path {
		found := false
		indent := depth * indentWidth
		for i := current.start; i < current.end; i++ {
			key, value, ok := headerAt(lines[i], indent)
			if !ok || key != name {
				continue
			}
			if strings.HasPrefix(value, "!") || (value != "" && !strings.HasPrefix(value, "#")) {
				return span{}, depth, fmt.Errorf("%w: %q", ErrDirectiveSection, strings.TrimSpace(lines[i]))
			}
			body := bodySpan(lines, i, indent)
			current = span{header: i, start: body.start, end: body.end}
			found = true
			break
		}
		if !found {
			return current, depth, fmt.Errorf("%w: %q", ErrSectionNotFound, strings.Join(path[:depth+1], "."))
		}
	}
	return current, len(path), nil
}

// bodySpan computes the body range following a header line: everything
// until the first non-blank line whose indentation is not deeper than
// the header's.
func bodySpan(lines []string, header, headerIndent int) span {
	end := header + 1
	for end < len(lines) {
		line := lines[end]
		if strings.TrimSpace(line) != "" && lineIndent(line) <= headerIndent {
			break
		}
		end++
	}
	// Trailing blank lines belong to the document, not the section
	for end > header+1 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return span{header: header, start: header + 1, end: end}
}

// headerAt parses "name:" or "name: value" at the exact indent.
// Returns ok=false for blanks, comments, deeper lines, and list items.
func headerAt(line string, indent int) (key, value string, ok bool) {
	if lineIndent(line) != indent {
		return "", "", false
	}
	body := line[indent:]
	if body == "" || body[0] == '#' || body[0] == '-' || body[0] == ' ' {
		return "", "", false
	}
	colon := strings.Index(body, ":")
	if colon <= 0 {
		return "", "", false
	}
	rest := body[colon+1:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		// "a:b" without a space is not a mapping key
		return "", "", false
	}
	return body[:colon], strings.TrimSpace(rest), true
}

// entryKeyAt returns the entry key if the line opens an entry at the
// given indent.
func entryKeyAt(line string, indent int) (string, bool) {
	key, _, ok := headerAt(line, indent)
	return key, ok
}

// findEntry locates the entry's line range [start, end) inside the
// section span, including continuation lines indented deeper than the
// key.
func findEntry(lines []string, s span, entryIndent int, key string) (int, int, bool) {
	for i := s.start; i < s.end; i++ {
		k, _, ok := headerAt(lines[i], entryIndent)
		if !ok || k != key {
			continue
		}
		end := i + 1
		for end < s.end {
			line := lines[end]
			if strings.TrimSpace(line) != "" && lineIndent(line) <= entryIndent {
				break
			}
			end++
		}
		// Blank lines after the entry stay in the document
		for end > i+1 && strings.TrimSpace(lines[end-1]) == "" {
			end--
		}
		return i, end, true
	}
	return 0, 0, false
}

// =============================================================================
// Mutation helpers
// =============================================================================

// createSection builds the missing tail of the section path, then the
// entry beneath it. A fully missing section is appended at the end of
// the document; a partially matched path grows inside the deepest
// matched section's span.
func createSection(lines []string, trailingNewline bool, path []string, matchedDepth int, matched span, key, block string) string {
	var tail []string
	for depth := matchedDepth; depth < len(path); depth++ {
		tail = append(tail, strings.Repeat(" ", depth*indentWidth)+path[depth]+":")
	}
	tail = append(tail, indentBlock(block, len(path)*indentWidth)...)

	if matchedDepth == 0 {
		patched := append([]string{}, lines...)
		// Separate from existing content with a blank line
		if len(patched) > 0 && strings.TrimSpace(patched[len(patched)-1]) != "" {
			patched = append(patched, "")
		}
		patched = append(patched, tail...)
		return joinLines(patched, trailingNewline || len(lines) == 0)
	}

	patched := append([]string{}, lines[:matched.end]...)
	patched = append(patched, tail...)
	patched = append(patched, lines[matched.end:]...)
	return joinLines(patched, trailingNewline)
}

// removeEmptySections deletes the section headers along the path whose
// bodies became empty, innermost first.
func removeEmptySections(lines []string, path []string) []string {
	for depth := len(path); depth >= 1; depth-- {
		s, _, err := findSection(lines, path[:depth])
		if err != nil {
			return lines
		}
		for i := s.start; i < s.end; i++ {
			if strings.TrimSpace(lines[i]) != "" {
				return lines
			}
		}
		// Body is all blanks: drop header plus body
		patched := append([]string{}, lines[:s.header]...)
		patched = append(patched, lines[s.end:]...)
		lines = patched
	}
	return lines
}

// indentBlock re-indents a column-0 block by the given amount.
func indentBlock(block string, indent int) []string {
	prefix := strings.Repeat(" ", indent)
	raw := strings.Split(strings.TrimRight(block, "\n"), "\n")
	out := make([]string, len(raw))
	for i, line := range raw {
		if strings.TrimSpace(line) == "" {
			out[i] = ""
			continue
		}
		out[i] = prefix + line
	}
	return out
}

// validateBlock checks the block's first line opens the declared key.
func validateBlock(key, block string) error {
	if key == "" {
		return errors.New("entry key cannot be empty")
	}
	first, _, _ := strings.Cut(block, "\n")
	if first != key+":" && !strings.HasPrefix(first, key+": ") {
		return fmt.Errorf("block must start with %q, got %q", key+":", first)
	}
	return nil
}

// =============================================================================
// Line plumbing
// =============================================================================

// lineIndent counts leading spaces.
func lineIndent(line string) int {
	return len(line) - len(strings.TrimLeft(line, " "))
}

// splitLines splits the document, remembering whether it ended with a
// newline so joins round-trip exactly.
func splitLines(doc string) ([]string, bool) {
	if doc == "" {
		return nil, false
	}
	trailing := strings.HasSuffix(doc, "\n")
	trimmed := strings.TrimSuffix(doc, "\n")
	if trimmed == "" {
		return []string{""}, true
	}
	return strings.Split(trimmed, "\n"), trailing
}

// joinLines reassembles the document.
func joinLines(lines []string, trailingNewline bool) string {
	doc := strings.Join(lines, "\n")
	if trailingNewline && doc != "" {
		doc += "\n"
	}
	return doc
}
