// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package yamledit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mainConfig mimics a hub configuration file mixing plain mappings
// with directive lines.
const mainConfig = `homeassistant:
  name: Home
  unit_system: metric

automation: !include automations.yaml
script: !include scripts.yaml

lovelace:
  mode: storage
  dashboards:
    energy-panel:
      mode: yaml
      title: Energy
      filename: dashboards/energy.yaml
    floor-plan:
      mode: yaml
      title: Floor Plan
      filename: dashboards/floor.yaml

sensor: !include_dir_merge_list sensors/
`

// directiveLines extracts the directive lines of a document in order.
func directiveLines(doc string) []string {
	var out []string
	for _, line := range strings.Split(doc, "\n") {
		if strings.Contains(line, "!include") {
			out = append(out, line)
		}
	}
	return out
}

func TestUpsertReplaceExisting(t *testing.T) {
	e := New()

	got, err := e.UpsertEntry(mainConfig, "lovelace.dashboards", "energy-panel",
		"energy-panel:\n  mode: yaml\n  title: Energy 2.0\n  filename: dashboards/energy2.yaml")
	require.NoError(t, err)

	assert.Contains(t, got, "      title: Energy 2.0")
	assert.NotContains(t, got, "title: Energy\n")
	// The sibling entry is untouched
	assert.Contains(t, got, "    floor-plan:")
	assert.Contains(t, got, "      title: Floor Plan")
}

func TestUpsertInsertNew(t *testing.T) {
	e := New()

	got, err := e.UpsertEntry(mainConfig, "lovelace.dashboards", "garden",
		"garden:\n  mode: yaml\n  title: Garden")
	require.NoError(t, err)

	assert.Contains(t, got, "    garden:")
	assert.Contains(t, got, "      title: Garden")
	// Existing entries retained
	assert.Contains(t, got, "    energy-panel:")
	assert.Contains(t, got, "    floor-plan:")
}

func TestUpsertCreatesMissingSection(t *testing.T) {
	e := New()
	doc := "homeassistant:\n  name: Home\n"

	got, err := e.UpsertEntry(doc, "lovelace.dashboards", "energy",
		"energy:\n  mode: yaml")
	require.NoError(t, err)

	assert.Contains(t, got, "lovelace:\n  dashboards:\n    energy:\n      mode: yaml")
}

func TestUpsertGrowsPartialPath(t *testing.T) {
	e := New()
	doc := "lovelace:\n  mode: storage\n"

	got, err := e.UpsertEntry(doc, "lovelace.dashboards", "energy",
		"energy:\n  mode: yaml")
	require.NoError(t, err)

	// dashboards nests under the existing lovelace header, which must
	// not be duplicated
	assert.Equal(t, 1, strings.Count(got, "lovelace:"))
	assert.Contains(t, got, "  dashboards:\n    energy:\n      mode: yaml")
	assert.Contains(t, got, "  mode: storage")
}

func TestUpsertEmptyDocument(t *testing.T) {
	e := New()

	got, err := e.UpsertEntry("", "lovelace.dashboards", "energy",
		"energy:\n  mode: yaml")
	require.NoError(t, err)

	assert.Equal(t, "lovelace:\n  dashboards:\n    energy:\n      mode: yaml\n", got)
}

func TestUpsertScalarEntry(t *testing.T) {
	e := New()
	doc := "recorder:\n  purge_keep_days: 7\n"

	got, err := e.UpsertEntry(doc, "recorder", "purge_keep_days", "purge_keep_days: 30")
	require.NoError(t, err)

	assert.Contains(t, got, "  purge_keep_days: 30")
	assert.NotContains(t, got, "purge_keep_days: 7")
}

func TestDirectivePassthrough(t *testing.T) {
	e := New()

	before := directiveLines(mainConfig)
	require.Len(t, before, 3)

	got, err := e.UpsertEntry(mainConfig, "lovelace.dashboards", "garden",
		"garden:\n  mode: yaml")
	require.NoError(t, err)
	assert.Equal(t, before, directiveLines(got), "directives must survive upsert verbatim and in order")

	got, err = e.RemoveEntry(got, "lovelace.dashboards", "garden")
	require.NoError(t, err)
	assert.Equal(t, before, directiveLines(got), "directives must survive removal verbatim and in order")
}

func TestRemoveEntry(t *testing.T) {
	e := New()

	got, err := e.RemoveEntry(mainConfig, "lovelace.dashboards", "energy-panel")
	require.NoError(t, err)

	assert.NotContains(t, got, "energy-panel:")
	assert.Contains(t, got, "    floor-plan:")
	// Section survives while it still has entries
	assert.Contains(t, got, "  dashboards:")
}

func TestRemoveLastEntryRemovesSection(t *testing.T) {
	e := New()
	doc := `homeassistant:
  name: Home

lovelace:
  dashboards:
    only-one:
      mode: yaml

automation: !include automations.yaml
`

	got, err := e.RemoveEntry(doc, "lovelace.dashboards", "only-one")
	require.NoError(t, err)

	assert.NotContains(t, got, "only-one:")
	assert.NotContains(t, got, "dashboards:")
	assert.NotContains(t, got, "lovelace:")
	// Unrelated content intact
	assert.Contains(t, got, "homeassistant:")
	assert.Contains(t, got, "automation: !include automations.yaml")
}

func TestRemoveLastEntryKeepsNonEmptyParent(t *testing.T) {
	e := New()
	doc := `lovelace:
  mode: storage
  dashboards:
    only-one:
      mode: yaml
`

	got, err := e.RemoveEntry(doc, "lovelace.dashboards", "only-one")
	require.NoError(t, err)

	assert.NotContains(t, got, "dashboards:")
	// Parent still has "mode: storage", so it stays
	assert.Contains(t, got, "lovelace:")
	assert.Contains(t, got, "  mode: storage")
}

func TestRemoveErrors(t *testing.T) {
	e := New()

	tests := []struct {
		name    string
		section string
		key     string
		wantErr error
	}{
		{"missing section", "nonexistent", "x", ErrSectionNotFound},
		{"missing entry", "lovelace.dashboards", "nonexistent", ErrEntryNotFound},
		{"directive section", "automation.rules", "x", ErrDirectiveSection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.RemoveEntry(mainConfig, tt.section, tt.key)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUpsertBlockValidation(t *testing.T) {
	e := New()

	_, err := e.UpsertEntry(mainConfig, "lovelace.dashboards", "energy",
		"wrong-key:\n  mode: yaml")
	assert.Error(t, err)

	_, err = e.UpsertEntry(mainConfig, "lovelace.dashboards", "", "")
	assert.Error(t, err)
}

func TestHasEntry(t *testing.T) {
	e := New()

	assert.True(t, e.HasEntry(mainConfig, "lovelace.dashboards", "energy-panel"))
	assert.False(t, e.HasEntry(mainConfig, "lovelace.dashboards", "garden"))
	assert.False(t, e.HasEntry(mainConfig, "nonexistent", "garden"))
}

func TestEnsureSection(t *testing.T) {
	e := New()

	t.Run("existing section is untouched", func(t *testing.T) {
		got, err := e.EnsureSection(mainConfig, "lovelace.dashboards")
		require.NoError(t, err)
		assert.Equal(t, mainConfig, got)
	})

	t.Run("missing section is appended", func(t *testing.T) {
		got, err := e.EnsureSection(mainConfig, "input_boolean")
		require.NoError(t, err)
		assert.Contains(t, got, "\ninput_boolean:")
		assert.Equal(t, directiveLines(mainConfig), directiveLines(got))
	})

	t.Run("partial path grows in place", func(t *testing.T) {
		got, err := e.EnsureSection(mainConfig, "lovelace.resources")
		require.NoError(t, err)
		assert.Contains(t, got, "  resources:")
		assert.Equal(t, 1, strings.Count(got, "lovelace:"))
	})

	t.Run("directive section is rejected", func(t *testing.T) {
		_, err := e.EnsureSection(mainConfig, "automation.rules")
		assert.ErrorIs(t, err, ErrDirectiveSection)
	})
}

func TestEntries(t *testing.T) {
	e := New()

	keys, err := e.Entries(mainConfig, "lovelace.dashboards")
	require.NoError(t, err)
	assert.Equal(t, []string{"energy-panel", "floor-plan"}, keys)
}

func TestUnrelatedLinesUntouched(t *testing.T) {
	e := New()

	got, err := e.UpsertEntry(mainConfig, "lovelace.dashboards", "garden",
		"garden:\n  mode: yaml")
	require.NoError(t, err)

	// Every line of the original except the edited span survives
	// byte-for-byte.
	assert.Contains(t, got, "homeassistant:\n  name: Home\n  unit_system: metric")
	assert.Contains(t, got, "sensor: !include_dir_merge_list sensors/")
	assert.True(t, strings.HasSuffix(got, "\n"))
}
