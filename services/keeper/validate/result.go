// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validate decides whether the configuration tree is safe to
// load. The verdict is three-valued: Valid, Invalid with diagnostics,
// or Unreachable when the authority that can answer cannot be reached.
// Unreachable is a hard stop for callers, never a pass.
package validate

import (
	"encoding/json"
	"fmt"
)

// Status is the verdict of a configuration check.
type Status int

const (
	// StatusValid means the configuration is safe to load.
	StatusValid Status = iota
	// StatusInvalid means the configuration was inspected and rejected.
	StatusInvalid
	// StatusUnreachable means no verdict could be obtained. Callers
	// must treat this as a failure, not as a pass.
	StatusUnreachable
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	case StatusUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalJSON renders the status as its lowercase name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Diagnostic locates one problem in the configuration tree.
type Diagnostic struct {
	// File is the tree-relative path of the offending file, empty when
	// the checker could not attribute the problem to a file.
	File string `json:"file,omitempty"`
	// Line is the 1-based line number, 0 when unknown.
	Line int `json:"line,omitempty"`
	// Message describes the problem.
	Message string `json:"message"`
}

// Result is the outcome of a check.
type Result struct {
	Status Status `json:"status"`
	// Diagnostics is populated only for StatusInvalid.
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	// Reason is populated only for StatusUnreachable.
	Reason string `json:"reason,omitempty"`
}

// Valid returns a passing result.
func Valid() Result {
	return Result{Status: StatusValid}
}

// Invalid returns a failing result carrying the given diagnostics.
func Invalid(diags ...Diagnostic) Result {
	return Result{Status: StatusInvalid, Diagnostics: diags}
}

// Unreachable returns a no-verdict result with the given reason.
func Unreachable(reason string) Result {
	return Result{Status: StatusUnreachable, Reason: reason}
}
