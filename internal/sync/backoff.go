package sync

import "time"

const (
	backoffBase     = 1 * time.Second
	maxBackoffShift = 6
	maxBackoffDelay = 300 * time.Second
)

// Backoff tracks consecutive conflict failures and the earliest time a retry
// is allowed. The delay doubles per failure from a one second base, bounded
// by maxBackoffDelay. A zero Backoff is ready immediately.
type Backoff struct {
	attempts int
	until    time.Time
}

// Fail records a failure at now and returns the delay until the next
// eligible retry.
func (b *Backoff) Fail(now time.Time) time.Duration {
	shift := b.attempts
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	delay := backoffBase << uint(shift)
	if delay > maxBackoffDelay {
		delay = maxBackoffDelay
	}

	b.attempts++
	b.until = now.Add(delay)
	return delay
}

// Reset clears the failure count after a successful push or pull.
func (b *Backoff) Reset() {
	b.attempts = 0
	b.until = time.Time{}
}

// Ready reports whether a retry is allowed at now.
func (b *Backoff) Ready(now time.Time) bool {
	return !now.Before(b.until)
}

// Until returns the earliest eligible retry time; zero when not backing off.
func (b *Backoff) Until() time.Time {
	return b.until
}

// Attempts returns the number of consecutive failures recorded.
func (b *Backoff) Attempts() int {
	return b.attempts
}
