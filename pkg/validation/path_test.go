// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"
)

func TestValidateRelativePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"simple file", "configuration.yaml", false},
		{"nested file", "dashboards/main.yaml", false},
		{"deeply nested", "packages/climate/schedules.yaml", false},
		{"empty", "", true},
		{"absolute", "/etc/passwd", true},
		{"parent escape", "../secrets.yaml", true},
		{"embedded escape", "dashboards/../../secrets.yaml", true},
		{"bare dot", ".", true},
		{"bare dotdot", "..", true},
		{"nul byte", "config\x00.yaml", true},
		{"dot elements collapsing inside", "dashboards/./main.yaml", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRelativePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRelativePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	full, err := SafeJoin(root, "dashboards/main.yaml")
	if err != nil {
		t.Fatalf("SafeJoin valid path: %v", err)
	}
	if !strings.HasPrefix(full, root) {
		t.Errorf("SafeJoin result %q not under root %q", full, root)
	}

	if _, err := SafeJoin(root, "../outside.yaml"); err == nil {
		t.Error("SafeJoin accepted escaping path")
	}
	if _, err := SafeJoin(root, "/absolute.yaml"); err == nil {
		t.Error("SafeJoin accepted absolute path")
	}
}

func TestValidateSlug(t *testing.T) {
	tests := []struct {
		slug    string
		wantErr bool
	}{
		{"energy", false},
		{"energy-2024", false},
		{"floor_plan", false},
		{"0overview", false},
		{"", true},
		{"UPPER", true},
		{"has space", true},
		{"-leading", true},
		{strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		err := ValidateSlug(tt.slug)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSlug(%q) error = %v, wantErr %v", tt.slug, err, tt.wantErr)
		}
	}
}

func TestSanitizeSlug(t *testing.T) {
	got, err := SanitizeSlug("  Energy-Panel ")
	if err != nil {
		t.Fatalf("SanitizeSlug: %v", err)
	}
	if got != "energy-panel" {
		t.Errorf("SanitizeSlug = %q, want %q", got, "energy-panel")
	}

	if _, err := SanitizeSlug("not a slug"); err == nil {
		t.Error("SanitizeSlug accepted invalid input")
	}
}

func TestValidateComponent(t *testing.T) {
	for _, valid := range []string{"automations", "scripts", "core", "all", "template_entities"} {
		if err := ValidateComponent(valid); err != nil {
			t.Errorf("ValidateComponent(%q) unexpected error: %v", valid, err)
		}
	}
	for _, invalid := range []string{"", "Automations", "with-dash", "1numeric", "semi;colon"} {
		if err := ValidateComponent(invalid); err == nil {
			t.Errorf("ValidateComponent(%q) expected error", invalid)
		}
	}
}
