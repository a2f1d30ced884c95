// Package backoff maps a retry count to the delay before the next attempt.
//
// The tables are fixed per direction: inbound retries start fast because the sender is
// usually waiting on a reply, outbound retries start slower to avoid hammering a channel
// that is rejecting deliveries.
package backoff

import (
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"

	"github.com/BTreeMap/MsgQueue/internal/models"
)

var (
	inboundDelays = []time.Duration{
		1 * time.Second,
		5 * time.Second,
		25 * time.Second,
		2 * time.Minute,
		10 * time.Minute,
	}
	outboundDelays = []time.Duration{
		5 * time.Second,
		25 * time.Second,
		2 * time.Minute,
		10 * time.Minute,
		10 * time.Minute,
	}
)

func table(dir models.Direction) []time.Duration {
	if dir == models.DirectionOutbound {
		return outboundDelays
	}
	return inboundDelays
}

// Delay returns the wait before attempt number retryCount. Counts at or below zero need no
// wait; counts past the end of the table use its last value.
func Delay(retryCount int, dir models.Direction) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	t := table(dir)
	idx := retryCount - 1
	if idx >= len(t) {
		idx = len(t) - 1
	}
	return t[idx]
}

// NextRetryAt returns the earliest time an entry with retryCount failures may run again.
func NextRetryAt(now time.Time, retryCount int, dir models.Direction) time.Time {
	return models.TruncateMilli(now.Add(Delay(retryCount, dir)))
}

// ShouldRetry reports whether another attempt is allowed.
func ShouldRetry(retryCount, maxRetries int) bool {
	return retryCount < maxRetries
}

// IsRetryDue reports whether the backoff gate has elapsed. A zero gate is always due.
func IsRetryDue(nextRetryAt, now time.Time) bool {
	return nextRetryAt.IsZero() || !now.Before(nextRetryAt)
}

// Schedule walks a direction's table as a cenkalti BackOff, stopping after maxRetries delays.
type Schedule struct {
	Direction  models.Direction
	MaxRetries int

	attempt int
}

var _ cbackoff.BackOff = (*Schedule)(nil)

// NewSchedule creates a Schedule for dir.
func NewSchedule(dir models.Direction, maxRetries int) *Schedule {
	return &Schedule{Direction: dir, MaxRetries: maxRetries}
}

// NextBackOff implements cbackoff.BackOff.
func (s *Schedule) NextBackOff() time.Duration {
	if s.attempt >= s.MaxRetries {
		return cbackoff.Stop
	}
	s.attempt++
	return Delay(s.attempt, s.Direction)
}

// Reset implements cbackoff.BackOff.
func (s *Schedule) Reset() {
	s.attempt = 0
}
