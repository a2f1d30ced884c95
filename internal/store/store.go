// Package store provides the durable queue backends.
//
// Every backend implements QueueStore for a single direction. The filesystem backend keeps
// one JSON file per entry and supports one active worker per directory; the SQL backend
// keeps one row per entry in SQLite or PostgreSQL and supports concurrent workers through
// the shared lock table.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/MsgQueue/internal/clock"
	"github.com/BTreeMap/MsgQueue/internal/lock"
	"github.com/BTreeMap/MsgQueue/internal/models"
)

// QueueStore persists the entries of one direction together with their dead letters.
type QueueStore interface {
	Direction() models.Direction

	// Enqueue durably writes a new pending entry. It never returns a Go error; a rejected
	// write is reported through EnqueueResult.Queued and EnqueueResult.Error.
	Enqueue(ctx context.Context, params models.EnqueueParams) models.EnqueueResult
	// DequeueNext claims the oldest due entry whose session is unlocked and which is the
	// oldest entry of its session, taking the session lock on success.
	DequeueNext(ctx context.Context) (models.DequeueResult, error)
	MarkProcessing(ctx context.Context, id string) error
	// Ack removes a successfully processed entry and releases its session lock. Acking an
	// unknown id is not an error.
	Ack(ctx context.Context, id string) error
	// Fail records a failed attempt, schedules the next one and releases the session lock.
	// It never dead-letters; that decision belongs to the caller.
	Fail(ctx context.Context, id string, errMsg string) (*models.QueueEntry, error)
	// MoveToDeadLetter transfers an entry to the dead-letter store atomically.
	MoveToDeadLetter(ctx context.Context, id string, finalErr string) error

	Get(ctx context.Context, id string) (*models.QueueEntry, error)
	// ListPending returns pending entries in enqueue order, skipping unreadable ones.
	ListPending(ctx context.Context) ([]models.QueueEntry, error)
	Metrics(ctx context.Context) (models.QueueMetrics, error)
	// RequeueStale returns processing entries started before staleBefore, whose session is
	// no longer locked, to the pending state.
	RequeueStale(ctx context.Context, staleBefore time.Time) (int, error)
	// Import writes an existing entry verbatim, keeping its id and retry state.
	Import(ctx context.Context, entry models.QueueEntry) error

	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterEntry, error)
	// RequeueDeadLetter re-enters a dead letter as a fresh pending entry under a new id.
	RequeueDeadLetter(ctx context.Context, id string) (string, error)
	PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int, error)
	ImportDeadLetter(ctx context.Context, dl models.DeadLetterEntry) error

	Locks() lock.Manager
	Close() error
}

// DefaultDequeueBatch is how many head-of-session candidates are examined per page.
const DefaultDequeueBatch = 32

// Opts holds the settings shared by both backends.
type Opts struct {
	Clock        clock.Clock
	Locks        lock.Manager
	WorkerID     string
	LockTTL      time.Duration
	DequeueBatch int
	// ReadOnly opens a file queue for inspection alongside the process that owns it.
	ReadOnly bool
}

// ErrReadOnly is returned by mutating calls on a store opened with WithReadOnly.
var ErrReadOnly = errors.New("queue store is open read-only")

// Option configures a store.
type Option func(*Opts)

// WithClock sets the time source for enqueue times and retry gates.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithLockManager overrides the backend's default lock manager.
func WithLockManager(m lock.Manager) Option {
	return func(o *Opts) { o.Locks = m }
}

// WithWorkerID sets the worker identity used by the default lock manager.
func WithWorkerID(id string) Option {
	return func(o *Opts) { o.WorkerID = id }
}

// WithLockTTL sets the lock lifetime used by the default lock manager.
func WithLockTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.LockTTL = ttl }
}

// WithDequeueBatch sets the candidate page size used by DequeueNext.
func WithDequeueBatch(n int) Option {
	return func(o *Opts) { o.DequeueBatch = n }
}

// WithReadOnly opens a file queue without taking its directory guard. Every mutating call
// fails with ErrReadOnly. SQL stores ignore it.
func WithReadOnly() Option {
	return func(o *Opts) { o.ReadOnly = true }
}

func buildOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.DequeueBatch <= 0 {
		cfg.DequeueBatch = DefaultDequeueBatch
	}
	return cfg
}

func (o Opts) lockOptions() []lock.Option {
	return []lock.Option{lock.WithWorkerID(o.WorkerID), lock.WithTTL(o.LockTTL), lock.WithClock(o.Clock)}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// entryBefore reports whether a precedes b in queue order.
func entryBefore(a, b models.QueueEntry) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}
