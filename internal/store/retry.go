package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"

	"github.com/BTreeMap/MsgQueue/internal/backoff"
	"github.com/BTreeMap/MsgQueue/internal/models"
)

// EnqueueWithRetry retries a rejected write up to retries more times, waiting between
// attempts according to the direction's backoff table. Validation failures are not retried.
// The last result is returned either way.
func EnqueueWithRetry(ctx context.Context, s QueueStore, params models.EnqueueParams, retries int) models.EnqueueResult {
	if err := params.Validate(); err != nil {
		return models.EnqueueResult{Queued: false, Error: err.Error()}
	}

	var result models.EnqueueResult
	attempt := 0
	op := func() error {
		attempt++
		result = s.Enqueue(ctx, params)
		if result.Queued {
			return nil
		}
		return errors.New(result.Error)
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("EnqueueWithRetry: enqueue rejected, retrying", "error", err, "attempt", attempt, "wait", wait, "direction", s.Direction())
	}
	b := cbackoff.WithContext(backoff.NewSchedule(s.Direction(), retries), ctx)
	if err := cbackoff.RetryNotify(op, b, notify); err != nil && ctx.Err() != nil && !result.Queued {
		result.Error = ctx.Err().Error()
	}
	return result
}
