// Package ignore compiles the configured glob patterns into a matcher that
// excludes paths from both filesystem watching and staging.
package ignore

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// builtinPatterns are always excluded so the daemon never reacts to its own
// version-control metadata or to OS artifacts.
var builtinPatterns = []string{
	".git",
	".git/**",
	".gitignore",
	"**/.DS_Store",
	"**/Thumbs.db",
}

// Matcher reports whether a workdir-relative path is excluded from sync.
// Builtin patterns are compiled with "/" as a separator so their "*" stays
// within one path segment; user patterns are compiled without separator
// awareness, so a plain "*.tmp" matches at any depth.
type Matcher struct {
	globs []glob.Glob
}

// NewMatcher compiles the builtin and configured patterns. An invalid user
// pattern is skipped with a warning; it never fails construction, since an
// unattended daemon must not die over a typo in its ignore list.
func NewMatcher(patterns []string, logger *slog.Logger) *Matcher {
	m := &Matcher{}

	for _, pattern := range builtinPatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			// Builtins are constants; a failure here is a programming error.
			panic("ignore: builtin pattern " + pattern + ": " + err.Error())
		}
		m.globs = append(m.globs, g)
	}

	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			logger.Warn("skipping invalid ignore pattern", "pattern", pattern, "error", err)
			continue
		}
		m.globs = append(m.globs, g)
	}

	return m
}

// Match reports whether the workdir-relative path matches any pattern.
// Paths are normalized to forward slashes before matching. The empty path
// (the workdir root itself) never matches.
func (m *Matcher) Match(rel string) bool {
	rel = filepath.ToSlash(rel)
	if rel == "" || rel == "." {
		return false
	}

	for _, g := range m.globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// Filter returns the subset of paths that do not match any pattern.
func (m *Matcher) Filter(paths []string) []string {
	kept := make([]string, 0, len(paths))
	for _, p := range paths {
		if !m.Match(p) {
			kept = append(kept, p)
		}
	}
	return kept
}
