package sync

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/schaermu/vaultsyncd/internal/config"
)

// Summary builds a one-line commit subject for the given changed paths.
// A single file yields "<prefix> <filename>", up to MaxFilesInSummary files
// are listed comma-joined, and anything beyond that collapses into
// "<prefix> updated <N> files". Filenames are base names; the directory part
// carries no signal in a one-line subject.
//
// The function is pure: the same paths, policy and timestamp always produce
// the same subject.
func Summary(paths []string, policy config.CommitConfig, now time.Time) string {
	var subject string
	switch n := len(paths); {
	case n == 0:
		subject = fmt.Sprintf("%s no changes", policy.Prefix)
	case n == 1:
		subject = fmt.Sprintf("%s %s", policy.Prefix, path.Base(paths[0]))
	case n <= policy.MaxFilesInSummary:
		names := make([]string, len(paths))
		for i, p := range paths {
			names[i] = path.Base(p)
		}
		subject = fmt.Sprintf("%s %s", policy.Prefix, strings.Join(names, ", "))
	default:
		subject = fmt.Sprintf("%s updated %d files", policy.Prefix, n)
	}

	if policy.IncludeTimestamp {
		subject = fmt.Sprintf("%s (%s)", subject, now.UTC().Format(time.RFC3339))
	}
	return subject
}
