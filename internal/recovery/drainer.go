package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/MsgQueue/internal/lock"
	"github.com/BTreeMap/MsgQueue/internal/models"
	"github.com/BTreeMap/MsgQueue/internal/store"
)

// Drainer defaults
const (
	DefaultPollInterval = 5 * time.Second
	DefaultClaimLimit   = 10
)

// Drainer periodically claims due entries from one direction and processes them.
type Drainer struct {
	store        store.QueueStore
	process      ProcessFunc
	opts         Opts
	pollInterval time.Duration
	claimLimit   int
	lockTTL      time.Duration
}

// NewDrainer creates a Drainer. lockTTL is the session lock lifetime; the lock is renewed
// every third of it while process runs.
func NewDrainer(s store.QueueStore, process ProcessFunc, pollInterval time.Duration, claimLimit int, lockTTL time.Duration, opts ...Option) *Drainer {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if claimLimit <= 0 {
		claimLimit = DefaultClaimLimit
	}
	if lockTTL <= 0 {
		lockTTL = lock.DefaultTTL
	}
	return &Drainer{
		store:        s,
		process:      process,
		opts:         buildOpts(opts),
		pollInterval: pollInterval,
		claimLimit:   claimLimit,
		lockTTL:      lockTTL,
	}
}

// RecoverStale requeues entries stuck in processing. Run calls it on every tick.
func (d *Drainer) RecoverStale(ctx context.Context) (int, error) {
	n, err := d.store.RequeueStale(ctx, d.opts.Clock.Now().Add(-d.opts.StaleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.opts.Logger.Info("Drainer.RecoverStale: requeued stale entries", "count", n, "direction", d.store.Direction())
	}
	return n, nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	d.opts.Logger.Info("Drainer.Run: starting drainer", "direction", d.store.Direction(), "pollInterval", d.pollInterval)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.opts.Logger.Info("Drainer.Run: stopping", "direction", d.store.Direction())
			return
		case <-ticker.C:
			if _, err := d.RecoverStale(ctx); err != nil {
				d.opts.Logger.Error("Drainer.Run: stale requeue failed", "error", err)
			}
			d.Poll(ctx)
		}
	}
}

// Poll claims and processes up to the claim limit of entries. It returns how many entries
// were handed to process.
func (d *Drainer) Poll(ctx context.Context) int {
	processed := 0
	for processed < d.claimLimit {
		if ctx.Err() != nil {
			return processed
		}
		res, err := d.store.DequeueNext(ctx)
		if err != nil {
			d.opts.Logger.Error("Drainer.Poll: dequeue failed", "error", err, "direction", d.store.Direction())
			return processed
		}
		if res.Entry == nil {
			return processed
		}
		d.handle(ctx, *res.Entry)
		processed++
	}
	return processed
}

// handle runs process on a claimed entry and settles it. The session lock is held on entry.
func (d *Drainer) handle(ctx context.Context, entry models.QueueEntry) {
	dir := d.store.Direction()
	log := d.opts.Logger

	if entry.Exhausted() {
		if deadLetterUnderLock(ctx, d.opts, d.store, entry, MaxRetriesExceeded, true) {
			d.opts.observe(dir, OutcomeDeadLetter, 0)
		}
		return
	}

	if err := d.store.MarkProcessing(ctx, entry.ID); err != nil {
		log.Error("Drainer.handle: mark processing failed", "error", err, "id", entry.ID)
		releaseQuietly(ctx, d.store.Locks(), entry.SessionID, dir)
		return
	}

	started := d.opts.Clock.Now()
	stopRenew := keepLock(ctx, d.opts, d.store.Locks(), dir, entry, d.lockTTL)
	perr := d.process(ctx, entry)
	stopRenew()
	elapsed := d.opts.Clock.Now().Sub(started)

	if perr == nil {
		if err := d.store.Ack(ctx, entry.ID); err != nil {
			log.Error("Drainer.handle: ack failed", "error", err, "id", entry.ID)
			releaseQuietly(ctx, d.store.Locks(), entry.SessionID, dir)
		}
		d.opts.observe(dir, OutcomeRecovered, elapsed)
		slog.Debug("Drainer.handle: entry processed", "id", entry.ID, "direction", dir)
		return
	}

	log.Warn("Drainer.handle: processing failed", "id", entry.ID, "error", perr, "retryCount", entry.RetryCount, "direction", dir)
	failed, err := d.store.Fail(ctx, entry.ID, perr.Error())
	if err != nil {
		log.Error("Drainer.handle: fail update failed", "error", err, "id", entry.ID)
		releaseQuietly(ctx, d.store.Locks(), entry.SessionID, dir)
		return
	}
	if failed.BestEffort || failed.Exhausted() {
		finalErr := perr.Error()
		if !failed.BestEffort {
			finalErr = MaxRetriesExceeded
		}
		// Fail released the session lock, so it is taken again for the move. If another
		// worker got there first the entry stays pending and is dead-lettered on its next claim.
		if deadLetterUnderLock(ctx, d.opts, d.store, *failed, finalErr, false) {
			d.opts.observe(dir, OutcomeDeadLetter, elapsed)
		}
		return
	}
	d.opts.observe(dir, OutcomeFailed, elapsed)
}
