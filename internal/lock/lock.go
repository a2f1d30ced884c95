// Package lock implements per-session processing locks.
//
// A lock is keyed by (session id, direction) and carries the id of the worker holding it
// and an expiry. A live lock excludes every other worker; an expired lock may be taken
// over by the next Acquire without any cleanup having run first.
package lock

import (
	"context"
	"time"

	"github.com/BTreeMap/MsgQueue/internal/clock"
	"github.com/BTreeMap/MsgQueue/internal/models"
)

// DefaultTTL is how long a lock stays live without renewal.
const DefaultTTL = 30 * time.Second

// Manager grants and tracks processing locks for one worker.
type Manager interface {
	// Acquire claims the session lock for this worker. It returns false, with no error,
	// when another live lock holds the session.
	Acquire(ctx context.Context, sessionID string, dir models.Direction, messageID string) (bool, error)
	// Renew extends a lock held by this worker. It returns false if the lock is gone or
	// owned by someone else.
	Renew(ctx context.Context, sessionID string, dir models.Direction) (bool, error)
	// Release drops the lock if this worker holds it and is a no-op otherwise.
	Release(ctx context.Context, sessionID string, dir models.Direction) error
	// CleanupExpired deletes expired locks and returns how many were removed.
	CleanupExpired(ctx context.Context) (int, error)
	// IsLocked reports whether any worker holds a live lock on the session.
	IsLocked(ctx context.Context, sessionID string, dir models.Direction) (bool, error)
	// ActiveLocks lists every live lock.
	ActiveLocks(ctx context.Context) ([]models.ProcessingLock, error)
	// ReleaseAll drops every lock held by this worker, typically at shutdown.
	ReleaseAll(ctx context.Context) (int, error)
	// WorkerID returns the identity recorded on locks taken by this manager.
	WorkerID() string
}

// Opts holds the settings shared by every Manager implementation.
type Opts struct {
	WorkerID string
	TTL      time.Duration
	Clock    clock.Clock
}

// Option configures a Manager.
type Option func(*Opts)

// WithWorkerID sets the worker identity recorded on locks.
func WithWorkerID(id string) Option {
	return func(o *Opts) { o.WorkerID = id }
}

// WithTTL sets the lock lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// WithClock sets the time source used for expiry.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

func buildOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-anonymous"
	}
	return cfg
}
