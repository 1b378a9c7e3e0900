package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/schaermu/vaultsyncd/internal/ignore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestWatcher(t *testing.T, patterns []string) (*Watcher, string) {
	t.Helper()

	root := t.TempDir()
	w, err := New(root, ignore.NewMatcher(patterns, testLogger()), testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })

	return w, root
}

// waitForEvent drains events until one matching path arrives or the timeout
// elapses.
func waitForEvent(t *testing.T, w *Watcher, path string) Event {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %q", path)
			}
			if ev.Path == path {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event on %q", path)
		}
	}
}

func TestWatcherEmitsWriteEvents(t *testing.T) {
	w, root := newTestWatcher(t, nil)

	file := filepath.Join(root, "note.md")
	if err := os.WriteFile(file, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev := waitForEvent(t, w, "note.md")
	if ev.Op != OpCreate && ev.Op != OpWrite {
		t.Errorf("unexpected op %v for new file", ev.Op)
	}
	if ev.Time.IsZero() {
		t.Error("event time should be set")
	}
}

func TestWatcherFiltersIgnoredPaths(t *testing.T) {
	w, root := newTestWatcher(t, []string{"*.tmp"})

	if err := os.WriteFile(filepath.Join(root, "scratch.tmp"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "note.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev := waitForEvent(t, w, "note.md")
	if ev.Path != "note.md" {
		t.Fatalf("got %q, want note.md", ev.Path)
	}

	// No ignored event may be buffered ahead of or behind the visible one.
	select {
	case ev := <-w.Events():
		if ev.Path == "scratch.tmp" {
			t.Error("ignored path leaked through the watcher")
		}
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcherSkipsGitDir(t *testing.T) {
	w, root := newTestWatcher(t, nil)

	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ".git", "index"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "visible.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	for {
		select {
		case ev := <-w.Events():
			if ev.Path == ".git" || ev.Path == ".git/index" {
				t.Fatalf("git internal path %q leaked through the watcher", ev.Path)
			}
			if ev.Path == "visible.md" {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for visible.md event")
		}
	}
}

func TestWatcherRecursesIntoNewDirectories(t *testing.T) {
	w, root := newTestWatcher(t, nil)

	sub := filepath.Join(root, "notes")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, w, "notes")

	// Give the watcher a moment to register the new directory.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "inner.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ev := waitForEvent(t, w, "notes/inner.md")
	if ev.Path != "notes/inner.md" {
		t.Fatalf("got %q, want notes/inner.md", ev.Path)
	}
}

func TestWatcherObservesExistingSubdirectories(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "deep", "nested")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	w, err := New(root, ignore.NewMatcher(nil, testLogger()), testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })

	if err := os.WriteFile(filepath.Join(sub, "leaf.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ev := waitForEvent(t, w, "deep/nested/leaf.md")
	if ev.Path != "deep/nested/leaf.md" {
		t.Fatalf("got %q, want deep/nested/leaf.md", ev.Path)
	}
}

func TestWatcherCloseClosesEventChannel(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, ignore.NewMatcher(nil, testLogger()), testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case _, ok := <-w.Events():
		if ok {
			// Draining a buffered event is fine; the channel must still
			// close eventually.
			for range w.Events() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed after Close()")
	}
}

func TestWatcherStartTwiceFails(t *testing.T) {
	w, _ := newTestWatcher(t, nil)
	if err := w.Start(); err == nil {
		t.Error("second Start() should fail")
	}
}
