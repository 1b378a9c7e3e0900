package sync

import (
	"fmt"
	"time"
)

// OutcomeKind classifies the result of one engine cycle.
type OutcomeKind int

const (
	// NoChanges means the working tree had nothing to commit after staging.
	NoChanges OutcomeKind = iota
	// Committed means local changes were recorded; the push may still follow.
	Committed
	// Pushed means local commits reached the remote.
	Pushed
	// PullApplied means a poll cycle reconciled with the remote cleanly.
	PullApplied
	// ConflictDetected means a rebase hit conflicting changes and was aborted.
	ConflictDetected
	// TransientFailure means a non-conflict error; the next trigger retries.
	TransientFailure
)

// String returns a human-readable representation of the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case NoChanges:
		return "no_changes"
	case Committed:
		return "committed"
	case Pushed:
		return "pushed"
	case PullApplied:
		return "pull_applied"
	case ConflictDetected:
		return "conflict_detected"
	case TransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the kind as its string form so status consumers do not
// depend on the enum ordering.
func (k OutcomeKind) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", k.String())), nil
}

// Outcome is the per-cycle result surfaced to logging and the control
// server. Summary and Files are set for committed cycles, Reason for
// failures.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Summary string      `json:"summary,omitempty"`
	Files   int         `json:"files,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Time    time.Time   `json:"time"`
}
