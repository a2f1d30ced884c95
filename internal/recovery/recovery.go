// Package recovery drains the durable queues: a bounded pass at startup that replays
// whatever a previous process left behind, and an always-on drainer that keeps the queues
// empty while the process runs. Both decide between retry and dead letter; the stores never do.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MsgQueue/internal/backoff"
	"github.com/BTreeMap/MsgQueue/internal/clock"
	"github.com/BTreeMap/MsgQueue/internal/lock"
	"github.com/BTreeMap/MsgQueue/internal/models"
	"github.com/BTreeMap/MsgQueue/internal/store"
)

const (
	// DefaultBudget bounds the wall-clock time of one recovery pass.
	DefaultBudget = 60 * time.Second
	// DefaultStaleAfter is how long an entry may stay processing without a live session
	// lock before it is returned to pending.
	DefaultStaleAfter = lock.DefaultTTL
)

// MaxRetriesExceeded is the final error recorded on entries dead-lettered for exhaustion.
const MaxRetriesExceeded = "Max retries exceeded"

// ProcessFunc handles one entry. A nil return acknowledges it; an error schedules a retry.
type ProcessFunc func(ctx context.Context, entry models.QueueEntry) error

// Logger receives the engine's progress lines. *slog.Logger satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Observer is notified of every processing outcome.
type Observer interface {
	ObserveOutcome(dir models.Direction, outcome Outcome, elapsed time.Duration)
}

// Outcome classifies what happened to an entry.
type Outcome string

const (
	OutcomeRecovered  Outcome = "recovered"
	OutcomeFailed     Outcome = "failed"
	OutcomeDeadLetter Outcome = "dead_letter"
	OutcomeDeferred   Outcome = "deferred"
)

// Result summarizes one recovery pass.
type Result struct {
	Direction models.Direction `json:"direction"`
	Recovered int              `json:"recovered"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	Deferred  int              `json:"deferred"`
	Requeued  int              `json:"requeued"`
}

// Opts configures an Engine or Drainer.
type Opts struct {
	Logger     Logger
	Clock      clock.Clock
	Sleeper    clock.Sleeper
	Budget     time.Duration
	StaleAfter time.Duration
	// LockTTL paces session lock renewal while process runs.
	LockTTL  time.Duration
	Observer Observer
}

// Option configures an Engine or Drainer.
type Option func(*Opts)

// WithLogger sets the destination for progress lines.
func WithLogger(l Logger) Option {
	return func(o *Opts) { o.Logger = l }
}

// WithClock sets the time source used for the budget.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithSleeper sets how backoff waits are performed.
func WithSleeper(s clock.Sleeper) Option {
	return func(o *Opts) { o.Sleeper = s }
}

// WithBudget sets the recovery time budget.
func WithBudget(d time.Duration) Option {
	return func(o *Opts) { o.Budget = d }
}

// WithStaleAfter sets how long an entry may stay processing before it is requeued.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Opts) { o.StaleAfter = d }
}

// WithLockTTL sets the session lock lifetime that renewals keep extending.
func WithLockTTL(d time.Duration) Option {
	return func(o *Opts) { o.LockTTL = d }
}

// WithObserver registers an outcome observer, typically the metrics collector.
func WithObserver(obs Observer) Option {
	return func(o *Opts) { o.Observer = obs }
}

func buildOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Sleeper == nil {
		if s, ok := cfg.Clock.(clock.Sleeper); ok {
			cfg.Sleeper = s
		} else {
			cfg.Sleeper = clock.Real{}
		}
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}
	return cfg
}

func (o Opts) observe(dir models.Direction, outcome Outcome, elapsed time.Duration) {
	if o.Observer != nil {
		o.Observer.ObserveOutcome(dir, outcome, elapsed)
	}
}

// Engine runs bounded recovery passes over one direction.
type Engine struct {
	store store.QueueStore
	opts  Opts
}

// NewEngine creates an Engine for s.
func NewEngine(s store.QueueStore, opts ...Option) *Engine {
	return &Engine{store: s, opts: buildOpts(opts)}
}

// Direction returns the direction this engine recovers.
func (e *Engine) Direction() models.Direction { return e.store.Direction() }

// Recover replays pending entries oldest first. Before each entry it waits the backoff for
// the entry's next attempt, and it stops starting new work once the budget would be
// exceeded; whatever is left stays pending for the next pass. Storage failures while acking,
// failing or dead-lettering are logged and do not abort the pass.
func (e *Engine) Recover(ctx context.Context, process ProcessFunc) (Result, error) {
	dir := e.store.Direction()
	log := e.opts.Logger
	res := Result{Direction: dir}

	deadline := e.opts.Clock.Now().Add(e.opts.Budget)

	requeued, err := e.store.RequeueStale(ctx, e.opts.Clock.Now().Add(-e.opts.StaleAfter))
	if err != nil {
		log.Error("Engine.Recover: stale requeue failed", "error", err, "direction", dir)
	}
	res.Requeued = requeued

	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load pending %s entries: %w", dir, err)
	}
	if len(pending) == 0 {
		return res, nil
	}
	log.Info("Engine.Recover: starting recovery", "direction", dir, "pending", len(pending))

	// Sessions whose earlier entry did not complete in this pass; later entries wait behind it.
	blocked := make(map[string]bool)
	locks := e.store.Locks()

	for i, entry := range pending {
		if err := ctx.Err(); err != nil {
			res.Deferred += len(pending) - i
			return e.finish(res), err
		}
		now := e.opts.Clock.Now()
		if !now.Before(deadline) {
			e.deferRemaining(&res, len(pending)-i)
			break
		}

		if entry.Exhausted() {
			log.Warn("Engine.Recover: entry exceeded max retries, moving to dead letter",
				"id", entry.ID, "retryCount", entry.RetryCount, "maxRetries", entry.MaxRetries, "direction", dir)
			if !deadLetterUnderLock(ctx, e.opts, e.store, entry, MaxRetriesExceeded, false) {
				// Another worker owns the session; its later entries wait behind this one.
				blocked[entry.SessionID] = true
				res.Deferred++
				e.opts.observe(dir, OutcomeDeferred, 0)
				continue
			}
			e.opts.observe(dir, OutcomeDeadLetter, 0)
			res.Skipped++
			continue
		}

		if blocked[entry.SessionID] {
			res.Deferred++
			e.opts.observe(dir, OutcomeDeferred, 0)
			continue
		}

		delay := backoff.Delay(entry.RetryCount+1, dir)
		if delay > 0 {
			if !now.Add(delay).Before(deadline) {
				e.deferRemaining(&res, len(pending)-i)
				break
			}
			log.Info("Engine.Recover: waiting before retry", "id", entry.ID, "delay", delay)
			if err := e.opts.Sleeper.Sleep(ctx, delay); err != nil {
				res.Deferred += len(pending) - i
				return e.finish(res), err
			}
		}

		ok, err := locks.Acquire(ctx, entry.SessionID, dir, entry.ID)
		if err != nil || !ok {
			if err != nil {
				log.Error("Engine.Recover: lock acquire failed", "error", err, "sessionID", entry.SessionID)
			}
			blocked[entry.SessionID] = true
			res.Deferred++
			e.opts.observe(dir, OutcomeDeferred, 0)
			continue
		}

		started := e.opts.Clock.Now()
		if err := e.store.MarkProcessing(ctx, entry.ID); err != nil {
			log.Error("Engine.Recover: mark processing failed", "error", err, "id", entry.ID)
		}
		stopRenew := keepLock(ctx, e.opts, locks, dir, entry, e.opts.LockTTL)
		perr := process(ctx, entry)
		stopRenew()
		if perr != nil {
			if _, err := e.store.Fail(ctx, entry.ID, perr.Error()); err != nil {
				log.Error("Engine.Recover: fail update failed", "error", err, "id", entry.ID)
				releaseQuietly(ctx, locks, entry.SessionID, dir)
			}
			blocked[entry.SessionID] = true
			res.Failed++
			e.opts.observe(dir, OutcomeFailed, e.opts.Clock.Now().Sub(started))
			log.Warn("Engine.Recover: retry failed", "id", entry.ID, "error", perr, "direction", dir)
			continue
		}
		if err := e.store.Ack(ctx, entry.ID); err != nil {
			log.Error("Engine.Recover: ack failed", "error", err, "id", entry.ID)
			releaseQuietly(ctx, locks, entry.SessionID, dir)
		}
		res.Recovered++
		e.opts.observe(dir, OutcomeRecovered, e.opts.Clock.Now().Sub(started))
		log.Info("Engine.Recover: recovered entry", "id", entry.ID, "channel", entry.Channel, "address", entry.Address)
	}

	return e.finish(res), nil
}

func (e *Engine) deferRemaining(res *Result, n int) {
	res.Deferred += n
	e.opts.Logger.Warn("Engine.Recover: recovery time budget exceeded, entries deferred to next pass",
		"deferred", n, "direction", e.store.Direction())
}

func (e *Engine) finish(res Result) Result {
	e.opts.Logger.Info("Engine.Recover: recovery complete", "direction", res.Direction,
		"recovered", res.Recovered, "failed", res.Failed, "skipped", res.Skipped, "deferred", res.Deferred)
	return res
}

func releaseQuietly(ctx context.Context, locks lock.Manager, sessionID string, dir models.Direction) {
	if err := locks.Release(ctx, sessionID, dir); err != nil {
		slog.Warn("recovery: lock release failed", "error", err, "sessionID", sessionID)
	}
}
