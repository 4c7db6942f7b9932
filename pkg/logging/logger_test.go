// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.name); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "testsvc",
		Quiet:   true,
	})

	logger.Info("snapshot created", "snapshot_id", "abc123")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading log dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "testsvc_") {
		t.Errorf("log file name = %q, want testsvc_ prefix", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "snapshot created") {
		t.Errorf("log file missing message, got: %s", data)
	}
	if !strings.Contains(string(data), "abc123") {
		t.Errorf("log file missing attribute, got: %s", data)
	}
}

func TestCaptureRecordsAttrs(t *testing.T) {
	capture := NewCapture()
	logger := FromHandler(capture)

	logger.Info("mutation applied", "change_id", "c-1", "files", 3)
	logger.Error("restore failed", "error", "disk full")

	entries := capture.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	if entries[0].Message != "mutation applied" {
		t.Errorf("entries[0].Message = %q", entries[0].Message)
	}
	if entries[0].Attrs["change_id"] != "c-1" {
		t.Errorf("entries[0].Attrs[change_id] = %v", entries[0].Attrs["change_id"])
	}
	if entries[1].Level != slog.LevelError {
		t.Errorf("entries[1].Level = %v, want error", entries[1].Level)
	}
}

func TestCaptureWith(t *testing.T) {
	capture := NewCapture()
	logger := FromHandler(capture).With("component", "history")

	logger.Info("pruned", "removed", 2)

	entries := capture.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Attrs["component"] != "history" {
		t.Errorf("missing inherited attr, got %v", entries[0].Attrs)
	}
	if entries[0].Attrs["removed"] != int64(2) && entries[0].Attrs["removed"] != 2 {
		t.Errorf("missing call attr, got %v", entries[0].Attrs)
	}
}

func TestCloseWithoutFile(t *testing.T) {
	logger := New(Config{Quiet: true})
	if err := logger.Close(); err != nil {
		t.Errorf("Close() on file-less logger: %v", err)
	}
	// Second close is a no-op
	if err := logger.Close(); err != nil {
		t.Errorf("second Close(): %v", err)
	}
}
