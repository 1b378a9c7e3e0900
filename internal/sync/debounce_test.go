package sync

import (
	"reflect"
	"testing"
	"time"
)

func TestDebouncerBurstSettlesOnce(t *testing.T) {
	start := time.Now()
	d := NewDebouncer(5 * time.Second)

	// A burst of events, each closer together than the window.
	d.Observe("a.md", start)
	d.Observe("b.md", start.Add(1*time.Second))
	d.Observe("a.md", start.Add(2*time.Second))

	if d.Settled(start.Add(6 * time.Second)) {
		t.Error("should not settle before the window expires after the last event")
	}
	if !d.Settled(start.Add(7 * time.Second)) {
		t.Error("should settle one window after the last event")
	}

	got := d.Take()
	want := []string{"a.md", "b.md"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Take() = %v, want %v", got, want)
	}
}

func TestDebouncerTakeClearsPending(t *testing.T) {
	d := NewDebouncer(time.Second)
	d.Observe("a.md", time.Now())

	if got := d.Take(); len(got) != 1 {
		t.Fatalf("Take() = %v, want one path", got)
	}
	if d.HasPending() {
		t.Error("pending set should be empty after Take")
	}
	if got := d.Take(); got != nil {
		t.Errorf("second Take() = %v, want nil", got)
	}
}

func TestDebouncerTwoBurstsTwoSettles(t *testing.T) {
	start := time.Now()
	d := NewDebouncer(5 * time.Second)

	d.Observe("first.md", start)
	if !d.Settled(start.Add(5 * time.Second)) {
		t.Fatal("first burst should have settled")
	}
	first := d.Take()

	// Events arriving during the first cycle's staging belong to the next.
	d.Observe("second.md", start.Add(6*time.Second))
	if !d.Settled(start.Add(11 * time.Second)) {
		t.Fatal("second burst should have settled")
	}
	second := d.Take()

	if !reflect.DeepEqual(first, []string{"first.md"}) {
		t.Errorf("first settle = %v", first)
	}
	if !reflect.DeepEqual(second, []string{"second.md"}) {
		t.Errorf("second settle = %v", second)
	}
}

func TestDebouncerSettleDeadline(t *testing.T) {
	start := time.Now()
	d := NewDebouncer(5 * time.Second)

	if _, ok := d.SettleDeadline(); ok {
		t.Error("empty debouncer should have no deadline")
	}

	d.Observe("a.md", start)
	deadline, ok := d.SettleDeadline()
	if !ok || !deadline.Equal(start.Add(5*time.Second)) {
		t.Errorf("deadline = %v, %v; want %v", deadline, ok, start.Add(5*time.Second))
	}

	// A new event restarts the window.
	d.Observe("b.md", start.Add(3*time.Second))
	deadline, _ = d.SettleDeadline()
	if !deadline.Equal(start.Add(8 * time.Second)) {
		t.Errorf("deadline after new event = %v, want %v", deadline, start.Add(8*time.Second))
	}
}
