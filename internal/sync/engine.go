// Package sync contains the synchronization engine: a single serialized
// event loop that owns the working tree. Filesystem events, the poll timer,
// the self-update timer and external triggers all funnel into the loop, so
// no two git operations or binary replacements ever run concurrently.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/schaermu/vaultsyncd/internal/config"
	"github.com/schaermu/vaultsyncd/internal/git"
	"github.com/schaermu/vaultsyncd/internal/ignore"
	"github.com/schaermu/vaultsyncd/internal/watch"
)

// Trigger is an externally injected due-event.
type Trigger int

const (
	// TriggerSync requests an immediate sync cycle.
	TriggerSync Trigger = iota
	// TriggerUpdate requests an immediate self-update check.
	TriggerUpdate
)

// Updater is the self-update hook the engine drives on its interval. A nil
// updater disables the check entirely.
type Updater interface {
	// Check resolves the latest release and applies it when newer. A nil
	// error with applied=true means the binary on disk was replaced and the
	// process should restart.
	Check(ctx context.Context) (applied bool, err error)
}

// Engine orchestrates the sync process.
type Engine struct {
	cfg     *config.Config
	git     git.Client
	matcher *ignore.Matcher
	updater Updater
	logger  *slog.Logger

	debouncer *Debouncer
	backoff   Backoff
	unpushed  bool

	nextPoll   time.Time
	nextUpdate time.Time

	triggers chan Trigger
	restart  chan struct{}
	outcomes chan Outcome
	last     atomic.Pointer[Outcome]

	now func() time.Time
}

// NewEngine creates a new sync engine. updater may be nil when self-update
// is disabled.
func NewEngine(cfg *config.Config, gitClient git.Client, matcher *ignore.Matcher, updater Updater, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		git:       gitClient,
		matcher:   matcher,
		updater:   updater,
		logger:    logger,
		debouncer: NewDebouncer(cfg.DebounceInterval()),
		triggers:  make(chan Trigger, 4),
		restart:   make(chan struct{}, 1),
		outcomes:  make(chan Outcome, 16),
		now:       time.Now,
	}
}

// Outcomes returns the stream of per-cycle outcomes. Slow consumers drop
// outcomes rather than stalling the loop; LastOutcome always reflects the
// most recent cycle.
func (e *Engine) Outcomes() <-chan Outcome {
	return e.outcomes
}

// LastOutcome returns the most recent cycle outcome, or false before the
// first cycle completes.
func (e *Engine) LastOutcome() (Outcome, bool) {
	out := e.last.Load()
	if out == nil {
		return Outcome{}, false
	}
	return *out, true
}

// Trigger injects a synthetic due-event into the loop. It never blocks; a
// trigger already queued covers the request.
func (e *Engine) Trigger(t Trigger) {
	select {
	case e.triggers <- t:
	default:
	}
}

// RestartRequested is signalled once when a self-update replaced the binary
// and the process should re-exec.
func (e *Engine) RestartRequested() <-chan struct{} {
	return e.restart
}

// Run drives the serialized event loop until ctx is cancelled. Filesystem
// events arrive on the events channel; a closed channel stops event intake
// but keeps the timers running. In-flight git operations are drained before
// Run returns, so cancellation never leaves the tree half-staged.
func (e *Engine) Run(ctx context.Context, events <-chan watch.Event) error {
	e.logger.Info("engine starting",
		"repo", e.cfg.Repo.URL,
		"branch", e.cfg.Repo.Branch,
		"debounce", e.cfg.DebounceInterval(),
		"poll_interval", e.cfg.PollInterval())

	now := e.now()
	e.nextPoll = now.Add(e.cfg.PollInterval())
	e.nextUpdate = now.Add(e.cfg.UpdateInterval())

	// Reconcile once at startup so a machine that was asleep catches up
	// before the first poll interval elapses.
	e.runPoll(ctx)

	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for {
		wake := e.nextWake()
		wait := wake.Sub(e.now())
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			e.logger.Info("engine stopping")
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				break
			}
			e.logger.Debug("change observed", "path", ev.Path, "op", ev.Op.String())
			e.debouncer.Observe(ev.Path, e.now())

		case t := <-e.triggers:
			e.handleTrigger(ctx, t)

		case <-timer.C:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		e.dispatch(ctx)
	}
}

// nextWake computes the earliest time any due work becomes runnable.
// Settle and retry candidates are clamped to the backoff deadline; the poll
// and update timers are not delayed by conflicts beyond that same clamp.
func (e *Engine) nextWake() time.Time {
	until := e.backoff.Until()
	clamp := func(t time.Time) time.Time {
		if t.Before(until) {
			return until
		}
		return t
	}

	wake := clamp(e.nextPoll)
	if deadline, ok := e.debouncer.SettleDeadline(); ok {
		if c := clamp(deadline); c.Before(wake) {
			wake = c
		}
	}
	if e.unpushed && !until.IsZero() && until.Before(wake) {
		wake = until
	}
	if e.updater != nil && e.nextUpdate.Before(wake) {
		wake = e.nextUpdate
	}
	return wake
}

// dispatch runs every piece of work that is due at the current time, one
// operation to completion before the next.
func (e *Engine) dispatch(ctx context.Context) {
	now := e.now()

	if e.updater != nil && !now.Before(e.nextUpdate) {
		e.runUpdate(ctx)
		e.nextUpdate = e.now().Add(e.cfg.UpdateInterval())
	}

	if e.debouncer.Settled(now) && e.backoff.Ready(now) {
		e.runSync(ctx)
		now = e.now()
	}

	pollDue := !now.Before(e.nextPoll)
	retryDue := e.unpushed && !e.backoff.Until().IsZero() && e.backoff.Ready(now)
	if (pollDue || retryDue) && e.backoff.Ready(now) {
		e.runPoll(ctx)
		if pollDue {
			e.nextPoll = e.now().Add(e.cfg.PollInterval())
		}
	}
}

// handleTrigger services an injected due-event immediately, bypassing the
// settle window and any conflict backoff. Manual triggers are the operator
// saying "now".
func (e *Engine) handleTrigger(ctx context.Context, t Trigger) {
	switch t {
	case TriggerSync:
		e.logger.Info("sync triggered externally")
		if e.debouncer.HasPending() {
			e.runSync(ctx)
		} else {
			e.runPoll(ctx)
			e.nextPoll = e.now().Add(e.cfg.PollInterval())
		}
	case TriggerUpdate:
		e.logger.Info("update check triggered externally")
		if e.updater == nil {
			e.logger.Warn("self-update is disabled, ignoring trigger")
			return
		}
		e.runUpdate(ctx)
		e.nextUpdate = e.now().Add(e.cfg.UpdateInterval())
	}
}

// runSync services a settled pending set: stage, commit, rebase, push.
func (e *Engine) runSync(ctx context.Context) {
	paths := e.matcher.Filter(e.debouncer.Take())
	if len(paths) == 0 {
		e.emit(Outcome{Kind: NoChanges, Time: e.now()})
		return
	}

	e.logger.Info("tree settled, starting sync cycle", "pending", len(paths))

	// Git operations run to completion even during shutdown; aborting a
	// half-staged tree is worse than a slow exit.
	opCtx := context.WithoutCancel(ctx)

	if err := e.git.ClearStaleLock(); err != nil {
		e.logger.Warn("failed to clear stale index lock", "error", err)
	}

	if err := e.git.StageAll(opCtx); err != nil {
		e.failTransient("staging failed", err, paths)
		return
	}

	changed, err := e.git.ChangedFiles(opCtx)
	if err != nil {
		e.failTransient("status check failed", err, paths)
		return
	}
	// Re-check ignores against what git actually staged: a path can begin
	// matching after a rename.
	changed = e.matcher.Filter(changed)

	if len(changed) == 0 {
		e.logger.Info("no changes to commit after staging")
		e.emit(Outcome{Kind: NoChanges, Time: e.now()})
		return
	}

	subject := Summary(changed, e.cfg.Commit, e.now())
	if err := e.git.Commit(opCtx, subject); err != nil {
		e.failTransient("commit failed", err, paths)
		return
	}
	e.unpushed = true
	e.logger.Info("changes committed", "subject", subject, "files", len(changed))
	e.emit(Outcome{Kind: Committed, Summary: subject, Files: len(changed), Time: e.now()})

	e.reconcile(opCtx)
}

// runPoll services the poll timer: pull with rebase, then push anything left
// over from an earlier conflicted or failed cycle.
func (e *Engine) runPoll(ctx context.Context) {
	opCtx := context.WithoutCancel(ctx)

	if err := e.git.ClearStaleLock(); err != nil {
		e.logger.Warn("failed to clear stale index lock", "error", err)
	}

	e.reconcile(opCtx)
}

// reconcile rebases onto the remote and pushes pending local commits. It
// owns conflict classification: conflicts feed the backoff, everything else
// is transient.
func (e *Engine) reconcile(ctx context.Context) {
	if err := e.git.PullRebase(ctx); err != nil {
		if errors.Is(err, git.ErrConflict) {
			delay := e.backoff.Fail(e.now())
			e.logger.Warn("rebase conflict, backing off",
				"attempt", e.backoff.Attempts(),
				"retry_in", delay,
				"error", err)
			e.emit(Outcome{Kind: ConflictDetected, Reason: err.Error(), Time: e.now()})
			return
		}
		e.logger.Warn("pull failed", "error", err)
		e.emit(Outcome{Kind: TransientFailure, Reason: err.Error(), Time: e.now()})
		return
	}
	e.backoff.Reset()

	if !e.unpushed {
		e.emit(Outcome{Kind: PullApplied, Time: e.now()})
		return
	}

	if err := e.git.Push(ctx); err != nil {
		e.logger.Warn("push failed", "error", err)
		e.emit(Outcome{Kind: TransientFailure, Reason: err.Error(), Time: e.now()})
		return
	}
	e.unpushed = false
	e.logger.Info("local commits pushed")
	e.emit(Outcome{Kind: Pushed, Time: e.now()})
}

// runUpdate drives one self-update check. Failures are logged and retried on
// the next interval, never fatal to the sync duty.
func (e *Engine) runUpdate(ctx context.Context) {
	applied, err := e.updater.Check(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Warn("self-update check failed", "error", err)
		return
	}
	if applied {
		e.logger.Info("binary updated, requesting restart")
		select {
		case e.restart <- struct{}{}:
		default:
		}
	}
}

// RunOnce performs a single staged sync cycle against the on-disk tree and
// returns its outcome. Used by the one-shot CLI path, where no watcher is
// running.
func (e *Engine) RunOnce(ctx context.Context) (Outcome, error) {
	if err := e.git.ClearStaleLock(); err != nil {
		e.logger.Warn("failed to clear stale index lock", "error", err)
	}

	if err := e.git.StageAll(ctx); err != nil {
		return Outcome{Kind: TransientFailure, Reason: err.Error(), Time: e.now()}, err
	}

	changed, err := e.git.ChangedFiles(ctx)
	if err != nil {
		return Outcome{Kind: TransientFailure, Reason: err.Error(), Time: e.now()}, err
	}
	changed = e.matcher.Filter(changed)

	if len(changed) > 0 {
		subject := Summary(changed, e.cfg.Commit, e.now())
		if err := e.git.Commit(ctx, subject); err != nil {
			return Outcome{Kind: TransientFailure, Reason: err.Error(), Time: e.now()}, err
		}
		e.unpushed = true
		e.logger.Info("changes committed", "subject", subject, "files", len(changed))
	}

	if err := e.git.PullRebase(ctx); err != nil {
		kind := TransientFailure
		if errors.Is(err, git.ErrConflict) {
			kind = ConflictDetected
		}
		return Outcome{Kind: kind, Reason: err.Error(), Time: e.now()}, err
	}

	if !e.unpushed {
		return Outcome{Kind: PullApplied, Time: e.now()}, nil
	}
	if err := e.git.Push(ctx); err != nil {
		return Outcome{Kind: TransientFailure, Reason: err.Error(), Time: e.now()}, err
	}
	e.unpushed = false
	return Outcome{Kind: Pushed, Time: e.now()}, nil
}

// failTransient records a transient local failure and re-arms the debouncer
// with the taken paths so the next settle retries them.
func (e *Engine) failTransient(what string, err error, paths []string) {
	e.logger.Warn(what, "error", err)
	now := e.now()
	for _, p := range paths {
		e.debouncer.Observe(p, now)
	}
	e.emit(Outcome{Kind: TransientFailure, Reason: err.Error(), Time: now})
}

// emit records the outcome and offers it to the stream without blocking.
func (e *Engine) emit(out Outcome) {
	e.last.Store(&out)
	select {
	case e.outcomes <- out:
	default:
	}
}
