package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/MsgQueue/internal/clock"
	"github.com/BTreeMap/MsgQueue/internal/lock"
	"github.com/BTreeMap/MsgQueue/internal/models"
)

// Backend selects where queue entries are persisted.
type Backend string

const (
	BackendFile     Backend = "file"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// ParseBackend converts a configuration value to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case BackendFile, BackendSQLite, BackendPostgres:
		return b, nil
	case "sqlite3":
		return BackendSQLite, nil
	}
	return "", fmt.Errorf("unknown queue backend %q (want file, sqlite or postgres)", s)
}

// Config describes how to open both queues.
type Config struct {
	Backend Backend
	// StateDir holds the file queues, and the SQLite database when DSN is empty.
	StateDir string
	// DSN is a SQLite path or a PostgreSQL connection string.
	DSN      string
	WorkerID string
	LockTTL  time.Duration
	Clock    clock.Clock
	// Redis, when set, holds the session locks instead of the backend's own lock table.
	Redis redis.UniversalClient
	// ReadOnly opens file queues for inspection while another process serves them.
	ReadOnly bool
}

// DefaultSQLiteFile is the database file created under the state directory.
const DefaultSQLiteFile = "queue.db"

// Queues holds the inbound and outbound stores opened from one Config.
type Queues struct {
	Inbound  QueueStore
	Outbound QueueStore

	db *DB
}

// OpenQueues opens both directions. Both stores share a single lock manager.
func OpenQueues(ctx context.Context, cfg Config) (*Queues, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}
	lockOpts := []lock.Option{lock.WithWorkerID(cfg.WorkerID), lock.WithTTL(cfg.LockTTL), lock.WithClock(cfg.Clock)}
	slog.Debug("OpenQueues invoked", "backend", cfg.Backend, "stateDir", cfg.StateDir, "workerID", cfg.WorkerID, "redisLocks", cfg.Redis != nil)

	q := &Queues{}
	var locks lock.Manager
	switch cfg.Backend {
	case BackendFile, "":
		if cfg.Redis != nil {
			locks = lock.NewRedisManager(cfg.Redis, lockOpts...)
		} else {
			locks = lock.NewMemoryManager(lockOpts...)
		}
	case BackendSQLite, BackendPostgres:
		dsn := cfg.DSN
		if dsn == "" {
			if cfg.Backend == BackendPostgres {
				return nil, errors.New("postgres backend requires a DSN")
			}
			dsn = filepath.Join(cfg.StateDir, DefaultSQLiteFile)
		}
		var (
			db  *DB
			err error
		)
		if cfg.Backend == BackendPostgres {
			db, err = OpenPostgres(ctx, dsn)
		} else {
			db, err = OpenSQLite(ctx, dsn)
		}
		if err != nil {
			return nil, err
		}
		q.db = db
		if cfg.Redis != nil {
			locks = lock.NewRedisManager(cfg.Redis, lockOpts...)
		} else {
			locks = lock.NewSQLManager(db.DB, lockOpts...)
		}
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}

	opts := []Option{WithClock(cfg.Clock), WithLockManager(locks), WithWorkerID(cfg.WorkerID), WithLockTTL(cfg.LockTTL)}
	if cfg.ReadOnly {
		opts = append(opts, WithReadOnly())
	}
	for _, dir := range models.Directions {
		s, err := q.open(cfg, dir, opts)
		if err != nil {
			q.Close()
			return nil, err
		}
		if dir == models.DirectionInbound {
			q.Inbound = s
		} else {
			q.Outbound = s
		}
	}
	return q, nil
}

func (q *Queues) open(cfg Config, dir models.Direction, opts []Option) (QueueStore, error) {
	if q.db != nil {
		return NewSQLStore(q.db, dir, opts...)
	}
	return NewFileStore(cfg.StateDir, dir, opts...)
}

// Get returns the store for dir.
func (q *Queues) Get(dir models.Direction) (QueueStore, error) {
	switch dir {
	case models.DirectionInbound:
		return q.Inbound, nil
	case models.DirectionOutbound:
		return q.Outbound, nil
	}
	return nil, fmt.Errorf("%w: %q", models.ErrUnknownDirection, dir)
}

// All returns both stores in direction order.
func (q *Queues) All() []QueueStore {
	return []QueueStore{q.Inbound, q.Outbound}
}

// DB returns the shared database, or nil for the file backend.
func (q *Queues) DB() *DB { return q.db }

// Close releases this worker's locks and closes the stores and database.
func (q *Queues) Close() error {
	var errs []error
	for _, s := range []QueueStore{q.Inbound, q.Outbound} {
		if s == nil {
			continue
		}
		if n, err := s.Locks().ReleaseAll(context.Background()); err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			slog.Info("Queues.Close: released session locks", "count", n, "direction", s.Direction())
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if q.db != nil {
		if err := q.db.Close(); err != nil {
			errs = append(errs, err)
		}
		q.db = nil
	}
	return errors.Join(errs...)
}
