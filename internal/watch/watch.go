// Package watch observes a working tree for filesystem changes.
//
// The watcher recurses into newly created subdirectories automatically and
// filters events through the ignore matcher at the source, so downstream
// consumers only ever see qualifying paths. A subdirectory that cannot be
// watched degrades that subtree; it never terminates the daemon.
package watch

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/vaultsyncd/internal/ignore"
)

// Op represents the type of filesystem operation.
type Op int

const (
	// OpCreate indicates a new file or directory appeared.
	OpCreate Op = iota
	// OpWrite indicates an existing file was modified.
	OpWrite
	// OpRemove indicates a file was deleted.
	OpRemove
	// OpRename indicates a file was moved away under its old name.
	OpRename
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is a single qualifying filesystem change, with the path relative to
// the watched root in forward-slash form.
type Event struct {
	Path string
	Op   Op
	Time time.Time
}

// Watcher produces Events for a working tree.
type Watcher struct {
	fsw     *fsnotify.Watcher
	root    string
	matcher *ignore.Matcher
	logger  *slog.Logger

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates a watcher for the given root. Start must be called before
// events are produced.
func New(root string, matcher *ignore.Matcher, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsw:     fsw,
		root:    root,
		matcher: matcher,
		logger:  logger,
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
	}, nil
}

// Start registers the root and all non-ignored subdirectories and begins
// emitting events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := w.fsw.Add(w.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}
	w.addSubdirs(w.root)

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Close stops the watcher and releases its resources. It blocks until the
// event processing goroutine has exited.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.fsw.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	close(w.events)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events returns the channel of qualifying filesystem events.
// The channel is closed when the watcher is closed.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if out, ok := w.convertEvent(event); ok {
				select {
				case w.events <- out:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Observer errors degrade the watch; the daemon keeps running.
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// convertEvent maps an fsnotify event onto a workdir-relative Event,
// dropping ignored paths and chmod noise. New directories are registered for
// watching before the event is forwarded.
func (w *Watcher) convertEvent(event fsnotify.Event) (Event, bool) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." {
		return Event{}, false
	}
	rel = filepath.ToSlash(rel)

	if w.matcher.Match(rel) {
		return Event{}, false
	}

	var op Op
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
		// Recurse into freshly created directories so their contents are
		// observed. Files may already exist inside by the time we get here;
		// the sync cycle's add-all staging covers that window.
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			w.addSubdirs(event.Name)
		}
	case event.Has(fsnotify.Write):
		op = OpWrite
	case event.Has(fsnotify.Remove):
		op = OpRemove
	case event.Has(fsnotify.Rename):
		// The old name is gone; the new name arrives as its own create.
		op = OpRename
	default:
		// Ignore chmod and other events.
		return Event{}, false
	}

	return Event{Path: rel, Op: op, Time: time.Now()}, true
}

// addSubdirs walks dir and registers every non-ignored directory beneath it.
// Individual failures are logged and skipped: an unwatchable subtree is
// degraded, not fatal.
func (w *Watcher) addSubdirs(dir string) {
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("cannot descend into directory, subtree unobserved", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		if rel != "." && w.matcher.Match(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}

		if addErr := w.fsw.Add(path); addErr != nil {
			w.logger.Warn("failed to watch subdirectory, subtree unobserved", "path", path, "error", addErr)
			return filepath.SkipDir
		}
		return nil
	})
	if walkErr != nil {
		w.logger.Warn("directory walk failed", "path", dir, "error", walkErr)
	}
}
