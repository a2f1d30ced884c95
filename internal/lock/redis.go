package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/MsgQueue/internal/models"
)

// DefaultRedisPrefix namespaces lock keys.
const DefaultRedisPrefix = "msgqueue:lock:"

var (
	// KEYS[1] lock key. ARGV: worker, message, lockedAt, expiresAt, ttl ms.
	// A key whose recorded expiry is before lockedAt is treated as expired and taken over.
	acquireScript = redis.NewScript(`
local current = redis.call('hget', KEYS[1], 'expires_at')
if current and tonumber(current) >= tonumber(ARGV[3]) then
	return 0
end
redis.call('hset', KEYS[1], 'worker_id', ARGV[1], 'message_id', ARGV[2], 'locked_at', ARGV[3], 'expires_at', ARGV[4])
redis.call('pexpire', KEYS[1], ARGV[5])
return 1`)

	// KEYS[1] lock key. ARGV: worker, expiresAt, ttl ms.
	renewScript = redis.NewScript(`
if redis.call('hget', KEYS[1], 'worker_id') == ARGV[1] then
	redis.call('hset', KEYS[1], 'expires_at', ARGV[2])
	return redis.call('pexpire', KEYS[1], ARGV[3])
end
return 0`)

	// KEYS[1] lock key. ARGV: worker.
	releaseScript = redis.NewScript(`
if redis.call('hget', KEYS[1], 'worker_id') == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0`)
)

// RedisManager keeps each lock in a Redis hash whose key expires with the lock, so an
// abandoned lock disappears without a cleanup pass.
type RedisManager struct {
	client redis.UniversalClient
	prefix string
	opts   Opts
}

var _ Manager = (*RedisManager)(nil)

// NewRedisManager creates a manager on client.
func NewRedisManager(client redis.UniversalClient, opts ...Option) *RedisManager {
	return &RedisManager{client: client, prefix: DefaultRedisPrefix, opts: buildOpts(opts)}
}

func (m *RedisManager) key(sessionID string, dir models.Direction) string {
	return m.prefix + string(dir) + ":" + sessionID
}

func (m *RedisManager) parseKey(key string) (string, models.Direction, bool) {
	rest := strings.TrimPrefix(key, m.prefix)
	dir, sessionID, ok := strings.Cut(rest, ":")
	return sessionID, models.Direction(dir), ok
}

// WorkerID implements Manager.
func (m *RedisManager) WorkerID() string { return m.opts.WorkerID }

// Acquire implements Manager.
func (m *RedisManager) Acquire(ctx context.Context, sessionID string, dir models.Direction, messageID string) (bool, error) {
	now := m.opts.Clock.Now()
	n, err := acquireScript.Run(ctx, m.client, []string{m.key(sessionID, dir)},
		m.opts.WorkerID, messageID, models.UnixMilli(now), models.UnixMilli(now.Add(m.opts.TTL)), m.opts.TTL.Milliseconds()).Int64()
	if err != nil {
		slog.Error("RedisManager.Acquire: script failed", "error", err, "sessionID", sessionID, "direction", dir)
		return false, fmt.Errorf("failed to acquire lock for session %s: %w", sessionID, err)
	}
	return n == 1, nil
}

// Renew implements Manager.
func (m *RedisManager) Renew(ctx context.Context, sessionID string, dir models.Direction) (bool, error) {
	expires := m.opts.Clock.Now().Add(m.opts.TTL)
	n, err := renewScript.Run(ctx, m.client, []string{m.key(sessionID, dir)},
		m.opts.WorkerID, models.UnixMilli(expires), m.opts.TTL.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to renew lock for session %s: %w", sessionID, err)
	}
	return n == 1, nil
}

// Release implements Manager.
func (m *RedisManager) Release(ctx context.Context, sessionID string, dir models.Direction) error {
	if err := releaseScript.Run(ctx, m.client, []string{m.key(sessionID, dir)}, m.opts.WorkerID).Err(); err != nil {
		return fmt.Errorf("failed to release lock for session %s: %w", sessionID, err)
	}
	return nil
}

// CleanupExpired implements Manager. Redis expires keys itself; this only removes locks
// whose recorded expiry has passed on this worker's clock but not yet on the server's.
func (m *RedisManager) CleanupExpired(ctx context.Context) (int, error) {
	locks, err := m.scan(ctx)
	if err != nil {
		return 0, err
	}
	now := m.opts.Clock.Now()
	removed := 0
	for _, l := range locks {
		if !l.Expired(now) {
			continue
		}
		if err := m.client.Del(ctx, m.key(l.SessionID, l.Direction)).Err(); err != nil {
			return removed, fmt.Errorf("failed to delete expired lock: %w", err)
		}
		removed++
	}
	return removed, nil
}

// IsLocked implements Manager.
func (m *RedisManager) IsLocked(ctx context.Context, sessionID string, dir models.Direction) (bool, error) {
	fields, err := m.client.HGetAll(ctx, m.key(sessionID, dir)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock for session %s: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return false, nil
	}
	l := lockFromHash(sessionID, dir, fields)
	return !l.Expired(m.opts.Clock.Now()), nil
}

// ActiveLocks implements Manager.
func (m *RedisManager) ActiveLocks(ctx context.Context) ([]models.ProcessingLock, error) {
	locks, err := m.scan(ctx)
	if err != nil {
		return nil, err
	}
	now := m.opts.Clock.Now()
	out := locks[:0]
	for _, l := range locks {
		if !l.Expired(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockedAt.Before(out[j].LockedAt) })
	return out, nil
}

// ReleaseAll implements Manager.
func (m *RedisManager) ReleaseAll(ctx context.Context) (int, error) {
	locks, err := m.scan(ctx)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, l := range locks {
		if l.WorkerID != m.opts.WorkerID {
			continue
		}
		n, err := releaseScript.Run(ctx, m.client, []string{m.key(l.SessionID, l.Direction)}, m.opts.WorkerID).Int64()
		if err != nil {
			return released, fmt.Errorf("failed to release lock for session %s: %w", l.SessionID, err)
		}
		released += int(n)
	}
	slog.Info("RedisManager.ReleaseAll: released worker locks", "workerID", m.opts.WorkerID, "count", released)
	return released, nil
}

func (m *RedisManager) scan(ctx context.Context) ([]models.ProcessingLock, error) {
	var out []models.ProcessingLock
	iter := m.client.Scan(ctx, 0, m.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		sessionID, dir, ok := m.parseKey(key)
		if !ok {
			continue
		}
		fields, err := m.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read lock %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, lockFromHash(sessionID, dir, fields))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan locks: %w", err)
	}
	return out, nil
}

func lockFromHash(sessionID string, dir models.Direction, fields map[string]string) models.ProcessingLock {
	lockedAt, _ := strconv.ParseInt(fields["locked_at"], 10, 64)
	expiresAt, _ := strconv.ParseInt(fields["expires_at"], 10, 64)
	return models.ProcessingLock{
		SessionID: sessionID,
		Direction: dir,
		WorkerID:  fields["worker_id"],
		MessageID: fields["message_id"],
		LockedAt:  models.FromUnixMilli(lockedAt),
		ExpiresAt: models.FromUnixMilli(expiresAt),
	}
}
