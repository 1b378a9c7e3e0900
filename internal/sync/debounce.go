package sync

import (
	"sort"
	"time"
)

// Debouncer coalesces bursts of filesystem events into a single settled
// pending set. The idle window restarts on every observed path, so a burst of
// K events separated by less than the interval yields exactly one settle.
//
// The debouncer is owned by the engine loop and is not safe for concurrent
// use; all methods take the current time explicitly so the engine can drive
// it from a single clock.
type Debouncer struct {
	interval time.Duration
	pending  map[string]struct{}
	last     time.Time
}

// NewDebouncer creates a debouncer with the given idle window.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{
		interval: interval,
		pending:  make(map[string]struct{}),
	}
}

// Observe records a changed path and restarts the idle window.
func (d *Debouncer) Observe(path string, now time.Time) {
	d.pending[path] = struct{}{}
	d.last = now
}

// HasPending reports whether any paths are waiting to settle.
func (d *Debouncer) HasPending() bool {
	return len(d.pending) > 0
}

// SettleDeadline returns the time at which the pending set settles. The
// second return value is false when nothing is pending.
func (d *Debouncer) SettleDeadline() (time.Time, bool) {
	if len(d.pending) == 0 {
		return time.Time{}, false
	}
	return d.last.Add(d.interval), true
}

// Settled reports whether the pending set has been idle for a full window.
func (d *Debouncer) Settled(now time.Time) bool {
	deadline, ok := d.SettleDeadline()
	return ok && !now.Before(deadline)
}

// Take hands off the pending set and clears it, so paths observed while the
// caller works accumulate into the next cycle. The returned slice is sorted
// for deterministic commit summaries.
func (d *Debouncer) Take() []string {
	if len(d.pending) == 0 {
		return nil
	}

	paths := make([]string, 0, len(d.pending))
	for path := range d.pending {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	d.pending = make(map[string]struct{})
	return paths
}
