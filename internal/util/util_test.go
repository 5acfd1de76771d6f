// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"testing"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile_CreatesAndOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "plan.json")

	if err := AtomicWriteFile(path, []byte("first"), 0600); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWriteFile(path, []byte("second"), 0600); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want %q", data, "second")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
}

// =============================================================================
// TEXT TESTS
// =============================================================================

func TestHeadTail(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		n        int
		wantHead string
		wantTail string
	}{
		{"shorter than n", "abc", 10, "abc", "abc"},
		{"exact", "abcd", 4, "abcd", "abcd"},
		{"ascii cut", "abcdef", 2, "ab", "ef"},
		{"multibyte", "héllo wörld", 3, "hél", "rld"},
		{"zero", "abc", 0, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Head(tt.input, tt.n); got != tt.wantHead {
				t.Errorf("Head(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.wantHead)
			}
			if got := Tail(tt.input, tt.n); got != tt.wantTail {
				t.Errorf("Tail(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.wantTail)
			}
		})
	}
}

func TestTruncateWidth(t *testing.T) {
	tests := []struct {
		input    string
		maxWidth int
		want     string
	}{
		{"short", 10, "short"},
		{"a longer instruction", 10, "a longe..."},
		{"line\nbreak", 20, "line break"},
		{"abc", 0, ""},
	}

	for _, tt := range tests {
		if got := TruncateWidth(tt.input, tt.maxWidth); got != tt.want {
			t.Errorf("TruncateWidth(%q, %d) = %q, want %q", tt.input, tt.maxWidth, got, tt.want)
		}
	}
}

func TestNonEmptyLinesAndLastLine(t *testing.T) {
	out := "\r\nfirst\n\n  second  \n\n"

	lines := NonEmptyLines(out)
	if len(lines) != 2 || lines[0] != "first" || lines[1] != "second" {
		t.Errorf("NonEmptyLines = %q", lines)
	}
	if got := LastLine(out); got != "second" {
		t.Errorf("LastLine = %q, want %q", got, "second")
	}
	if got := LastLine("   "); got != "" {
		t.Errorf("LastLine(blank) = %q, want empty", got)
	}
}
