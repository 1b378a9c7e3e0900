package ignore

import (
	"log/slog"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMatchBuiltins(t *testing.T) {
	m := NewMatcher(nil, testLogger())

	for _, path := range []string{
		".git",
		".git/index.lock",
		".git/objects/ab/cdef",
		".gitignore",
		".DS_Store",
		"notes/.DS_Store",
		"deep/nested/dir/Thumbs.db",
	} {
		if !m.Match(path) {
			t.Errorf("expected builtin match for %q", path)
		}
	}

	for _, path := range []string{
		"notes/Issues.md",
		"gitlog.txt",
		"sub/.gitkeep",
	} {
		if m.Match(path) {
			t.Errorf("unexpected match for %q", path)
		}
	}
}

func TestMatchUserPatterns(t *testing.T) {
	m := NewMatcher([]string{"*.tmp", ".obsidian/**", "drafts/*"}, testLogger())

	tests := []struct {
		path string
		want bool
	}{
		{"scratch.tmp", true},
		{"notes/deep/scratch.tmp", true}, // user "*" crosses separators
		{".obsidian/workspace.json", true},
		{".obsidian/plugins/foo/main.js", true},
		{"drafts/idea.md", true},
		{"notes/Issues.md", false},
		{"tmp-notes.md", false},
	}

	for _, tc := range tests {
		if got := m.Match(tc.path); got != tc.want {
			t.Errorf("Match(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestInvalidPatternSkipped(t *testing.T) {
	// A malformed pattern must degrade, not crash, and well-formed patterns
	// alongside it must still apply.
	m := NewMatcher([]string{"[", "*.bak", "  "}, testLogger())

	if !m.Match("old.bak") {
		t.Error("well-formed pattern did not survive malformed sibling")
	}
	if m.Match("notes/Issues.md") {
		t.Error("unexpected match after degraded pattern compile")
	}
}

func TestMatchRootNeverMatches(t *testing.T) {
	m := NewMatcher([]string{"**"}, testLogger())
	if m.Match("") || m.Match(".") {
		t.Error("workdir root must never be excluded")
	}
}

func TestFilter(t *testing.T) {
	m := NewMatcher([]string{"*.tmp"}, testLogger())

	got := m.Filter([]string{"a.md", "b.tmp", "c/d.tmp", "e.md"})
	want := []string{"a.md", "e.md"}

	if len(got) != len(want) {
		t.Fatalf("Filter returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Filter[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
