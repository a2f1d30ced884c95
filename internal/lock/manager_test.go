package lock

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/MsgQueue/internal/clock"
	"github.com/BTreeMap/MsgQueue/internal/models"
)

const testLockSchema = `
CREATE TABLE IF NOT EXISTS queue_processing_locks (
	session_id TEXT NOT NULL,
	lock_type TEXT NOT NULL,
	locked_at INTEGER NOT NULL,
	worker_id TEXT NOT NULL,
	lock_expires_at INTEGER NOT NULL,
	message_id TEXT,
	PRIMARY KEY (session_id, lock_type)
)`

// managerPair builds two managers with distinct worker ids sharing one lock table.
type managerPair func(t *testing.T, c clock.Clock) (Manager, Manager)

func managerImplementations() map[string]managerPair {
	return map[string]managerPair{
		"memory": func(t *testing.T, c clock.Clock) (Manager, Manager) {
			a := NewMemoryManager(WithWorkerID("worker-a"), WithClock(c))
			return a, a.ForWorker("worker-b")
		},
		"sql": func(t *testing.T, c clock.Clock) (Manager, Manager) {
			db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "locks.db")+"?_busy_timeout=5000")
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			_, err = db.Exec(testLockSchema)
			require.NoError(t, err)
			return NewSQLManager(db, WithWorkerID("worker-a"), WithClock(c)),
				NewSQLManager(db, WithWorkerID("worker-b"), WithClock(c))
		},
		"redis": func(t *testing.T, c clock.Clock) (Manager, Manager) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisManager(client, WithWorkerID("worker-a"), WithClock(c)),
				NewRedisManager(client, WithWorkerID("worker-b"), WithClock(c))
		},
	}
}

func TestManagerExclusivity(t *testing.T) {
	for name, newPair := range managerImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
			a, b := newPair(t, fake)

			ok, err := a.Acquire(ctx, "session-1", models.DirectionOutbound, "m1")
			require.NoError(t, err)
			assert.True(t, ok, "first acquire should succeed")

			ok, err = b.Acquire(ctx, "session-1", models.DirectionOutbound, "m2")
			require.NoError(t, err)
			assert.False(t, ok, "live lock must exclude another worker")

			ok, err = a.Acquire(ctx, "session-1", models.DirectionOutbound, "m3")
			require.NoError(t, err)
			assert.False(t, ok, "live lock is not re-entrant")

			ok, err = b.Acquire(ctx, "session-1", models.DirectionInbound, "m4")
			require.NoError(t, err)
			assert.True(t, ok, "directions are locked independently")

			locked, err := b.IsLocked(ctx, "session-1", models.DirectionOutbound)
			require.NoError(t, err)
			assert.True(t, locked)
		})
	}
}

// managerGroup builds n managers with distinct worker ids sharing one lock table.
type managerGroup func(t *testing.T, c clock.Clock, n int) []Manager

func managerGroups() map[string]managerGroup {
	workerID := func(i int) string { return fmt.Sprintf("worker-%d", i) }
	return map[string]managerGroup{
		"memory": func(t *testing.T, c clock.Clock, n int) []Manager {
			base := NewMemoryManager(WithClock(c))
			out := make([]Manager, n)
			for i := range out {
				out[i] = base.ForWorker(workerID(i))
			}
			return out
		},
		"sql": func(t *testing.T, c clock.Clock, n int) []Manager {
			db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "locks.db")+"?_busy_timeout=5000")
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			_, err = db.Exec(testLockSchema)
			require.NoError(t, err)
			out := make([]Manager, n)
			for i := range out {
				out[i] = NewSQLManager(db, WithWorkerID(workerID(i)), WithClock(c))
			}
			return out
		},
		"redis": func(t *testing.T, c clock.Clock, n int) []Manager {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			out := make([]Manager, n)
			for i := range out {
				out[i] = NewRedisManager(client, WithWorkerID(workerID(i)), WithClock(c))
			}
			return out
		},
	}
}

func TestManagerConcurrentAcquire(t *testing.T) {
	const workers = 16
	for name, newGroup := range managerGroups() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
			managers := newGroup(t, fake, workers)

			var (
				wg      sync.WaitGroup
				start   = make(chan struct{})
				winners atomic.Int32
				errs    = make(chan error, workers)
			)
			for i, m := range managers {
				wg.Add(1)
				go func(i int, m Manager) {
					defer wg.Done()
					<-start
					ok, err := m.Acquire(ctx, "session-1", models.DirectionInbound, fmt.Sprintf("m%d", i))
					if err != nil {
						errs <- err
						return
					}
					if ok {
						winners.Add(1)
					}
				}(i, m)
			}
			close(start)
			wg.Wait()
			close(errs)

			for err := range errs {
				assert.NoError(t, err)
			}
			assert.Equal(t, int32(1), winners.Load(), "exactly one worker may hold the session")

			locks, err := managers[0].ActiveLocks(ctx)
			require.NoError(t, err)
			assert.Len(t, locks, 1)
		})
	}
}

func TestManagerExpiredTakeover(t *testing.T) {
	for name, newPair := range managerImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
			a, b := newPair(t, fake)

			ok, err := a.Acquire(ctx, "session-1", models.DirectionInbound, "m1")
			require.NoError(t, err)
			require.True(t, ok)

			fake.Advance(DefaultTTL + time.Millisecond)

			locked, err := b.IsLocked(ctx, "session-1", models.DirectionInbound)
			require.NoError(t, err)
			assert.False(t, locked, "expired lock should not count as held")

			ok, err = b.Acquire(ctx, "session-1", models.DirectionInbound, "m2")
			require.NoError(t, err)
			assert.True(t, ok, "expired lock should be taken over without cleanup")

			locks, err := a.ActiveLocks(ctx)
			require.NoError(t, err)
			require.Len(t, locks, 1)
			assert.Equal(t, "worker-b", locks[0].WorkerID)
			assert.Equal(t, "m2", locks[0].MessageID)
		})
	}
}

func TestManagerReleaseRequiresOwnership(t *testing.T) {
	for name, newPair := range managerImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
			a, b := newPair(t, fake)

			ok, err := a.Acquire(ctx, "s", models.DirectionInbound, "")
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, b.Release(ctx, "s", models.DirectionInbound))
			locked, err := a.IsLocked(ctx, "s", models.DirectionInbound)
			require.NoError(t, err)
			assert.True(t, locked, "release by a non-owner must be a no-op")

			renewed, err := b.Renew(ctx, "s", models.DirectionInbound)
			require.NoError(t, err)
			assert.False(t, renewed, "non-owner cannot renew")

			require.NoError(t, a.Release(ctx, "s", models.DirectionInbound))
			locked, err = a.IsLocked(ctx, "s", models.DirectionInbound)
			require.NoError(t, err)
			assert.False(t, locked)

			require.NoError(t, a.Release(ctx, "s", models.DirectionInbound), "double release is harmless")
		})
	}
}

func TestManagerRenewExtendsExpiry(t *testing.T) {
	for name, newPair := range managerImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
			a, b := newPair(t, fake)

			ok, err := a.Acquire(ctx, "s", models.DirectionOutbound, "m")
			require.NoError(t, err)
			require.True(t, ok)

			fake.Advance(20 * time.Second)
			renewed, err := a.Renew(ctx, "s", models.DirectionOutbound)
			require.NoError(t, err)
			require.True(t, renewed)

			fake.Advance(20 * time.Second)
			ok, err = b.Acquire(ctx, "s", models.DirectionOutbound, "m2")
			require.NoError(t, err)
			assert.False(t, ok, "renewed lock should still be live")
		})
	}
}

func TestManagerCleanupAndReleaseAll(t *testing.T) {
	for name, newPair := range managerImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
			a, b := newPair(t, fake)

			for _, s := range []string{"s1", "s2"} {
				ok, err := a.Acquire(ctx, s, models.DirectionInbound, "")
				require.NoError(t, err)
				require.True(t, ok)
			}
			fake.Advance(DefaultTTL + time.Second)

			ok, err := b.Acquire(ctx, "s3", models.DirectionInbound, "")
			require.NoError(t, err)
			require.True(t, ok)

			removed, err := b.CleanupExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, removed)

			released, err := b.ReleaseAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, released)

			locks, err := a.ActiveLocks(ctx)
			require.NoError(t, err)
			assert.Empty(t, locks)
		})
	}
}
