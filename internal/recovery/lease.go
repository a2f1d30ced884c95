package recovery

import (
	"context"
	"time"

	"github.com/BTreeMap/MsgQueue/internal/clock"
	"github.com/BTreeMap/MsgQueue/internal/lock"
	"github.com/BTreeMap/MsgQueue/internal/models"
	"github.com/BTreeMap/MsgQueue/internal/store"
)

// keepLock renews entry's session lock every third of ttl until the returned stop function
// is called. Renewal ticks come from the configured clock when it can repeat, so a fake
// clock drives them deterministically.
func keepLock(ctx context.Context, opts Opts, locks lock.Manager, dir models.Direction, entry models.QueueEntry, ttl time.Duration) func() {
	if ttl <= 0 {
		ttl = lock.DefaultTTL
	}
	rep, ok := opts.Clock.(clock.Repeater)
	if !ok {
		rep = clock.Real{}
	}
	lost := false
	return rep.Every(ttl/3, func() {
		if lost || ctx.Err() != nil {
			return
		}
		held, err := locks.Renew(ctx, entry.SessionID, dir)
		switch {
		case err != nil:
			opts.Logger.Warn("recovery.keepLock: renew failed", "error", err, "sessionID", entry.SessionID, "id", entry.ID)
		case !held:
			lost = true
			opts.Logger.Warn("recovery.keepLock: session lock lost", "sessionID", entry.SessionID, "id", entry.ID, "direction", dir)
		}
	})
}

// deadLetterUnderLock moves entry to the dead-letter store while holding its session lock.
// held reports whether the caller already owns the lock; otherwise it is acquired first and
// the move is skipped when another worker holds the session. The store releases the lock
// on a successful move.
func deadLetterUnderLock(ctx context.Context, opts Opts, s store.QueueStore, entry models.QueueEntry, finalErr string, held bool) bool {
	dir := s.Direction()
	if !held {
		ok, err := s.Locks().Acquire(ctx, entry.SessionID, dir, entry.ID)
		if err != nil {
			opts.Logger.Error("recovery.deadLetterUnderLock: lock acquire failed", "error", err, "sessionID", entry.SessionID)
			return false
		}
		if !ok {
			opts.Logger.Warn("recovery.deadLetterUnderLock: session busy, dead letter postponed", "sessionID", entry.SessionID, "id", entry.ID)
			return false
		}
	}
	if err := s.MoveToDeadLetter(ctx, entry.ID, finalErr); err != nil {
		opts.Logger.Error("recovery.deadLetterUnderLock: dead-letter move failed", "error", err, "id", entry.ID)
		releaseQuietly(ctx, s.Locks(), entry.SessionID, dir)
		return false
	}
	return true
}
