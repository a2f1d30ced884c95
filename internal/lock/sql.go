package lock

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/BTreeMap/MsgQueue/internal/models"
)

// acquireQuery inserts a lock or takes over an expired one in a single statement. A live
// lock makes the conflict branch's WHERE false, so no row is affected.
const acquireQuery = `
	INSERT INTO queue_processing_locks
		(session_id, lock_type, locked_at, worker_id, lock_expires_at, message_id)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (session_id, lock_type) DO UPDATE SET
		locked_at = excluded.locked_at,
		worker_id = excluded.worker_id,
		lock_expires_at = excluded.lock_expires_at,
		message_id = excluded.message_id
	WHERE queue_processing_locks.lock_expires_at < ?`

type lockRow struct {
	SessionID string         `db:"session_id"`
	LockType  string         `db:"lock_type"`
	LockedAt  int64          `db:"locked_at"`
	WorkerID  string         `db:"worker_id"`
	ExpiresAt int64          `db:"lock_expires_at"`
	MessageID sql.NullString `db:"message_id"`
}

func (r lockRow) toModel() models.ProcessingLock {
	return models.ProcessingLock{
		SessionID: r.SessionID,
		Direction: models.Direction(r.LockType),
		WorkerID:  r.WorkerID,
		MessageID: r.MessageID.String,
		LockedAt:  models.FromUnixMilli(r.LockedAt),
		ExpiresAt: models.FromUnixMilli(r.ExpiresAt),
	}
}

// SQLManager stores locks in the queue_processing_locks table so that several processes
// sharing one database exclude each other.
type SQLManager struct {
	db   *sqlx.DB
	opts Opts
}

var _ Manager = (*SQLManager)(nil)

// NewSQLManager creates a manager on db. The queue_processing_locks table must exist.
func NewSQLManager(db *sqlx.DB, opts ...Option) *SQLManager {
	return &SQLManager{db: db, opts: buildOpts(opts)}
}

// WorkerID implements Manager.
func (m *SQLManager) WorkerID() string { return m.opts.WorkerID }

// Acquire implements Manager.
func (m *SQLManager) Acquire(ctx context.Context, sessionID string, dir models.Direction, messageID string) (bool, error) {
	now := m.opts.Clock.Now()
	nowMs := models.UnixMilli(now)
	expires := models.UnixMilli(now.Add(m.opts.TTL))

	var msgID interface{}
	if messageID != "" {
		msgID = messageID
	}
	res, err := m.db.ExecContext(ctx, m.db.Rebind(acquireQuery),
		sessionID, string(dir), nowMs, m.opts.WorkerID, expires, msgID, nowMs)
	if err != nil {
		slog.Error("SQLManager.Acquire: upsert failed", "error", err, "sessionID", sessionID, "direction", dir)
		return false, fmt.Errorf("failed to acquire lock for session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result for session %s: %w", sessionID, err)
	}
	if n == 0 {
		slog.Debug("SQLManager.Acquire: session busy", "sessionID", sessionID, "direction", dir)
		return false, nil
	}
	return true, nil
}

// Renew implements Manager.
func (m *SQLManager) Renew(ctx context.Context, sessionID string, dir models.Direction) (bool, error) {
	expires := models.UnixMilli(m.opts.Clock.Now().Add(m.opts.TTL))
	res, err := m.db.ExecContext(ctx, m.db.Rebind(`
		UPDATE queue_processing_locks SET lock_expires_at = ?
		WHERE session_id = ? AND lock_type = ? AND worker_id = ?`),
		expires, sessionID, string(dir), m.opts.WorkerID)
	if err != nil {
		return false, fmt.Errorf("failed to renew lock for session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read renew result for session %s: %w", sessionID, err)
	}
	return n > 0, nil
}

// Release implements Manager.
func (m *SQLManager) Release(ctx context.Context, sessionID string, dir models.Direction) error {
	_, err := m.db.ExecContext(ctx, m.db.Rebind(`
		DELETE FROM queue_processing_locks
		WHERE session_id = ? AND lock_type = ? AND worker_id = ?`),
		sessionID, string(dir), m.opts.WorkerID)
	if err != nil {
		return fmt.Errorf("failed to release lock for session %s: %w", sessionID, err)
	}
	return nil
}

// CleanupExpired implements Manager.
func (m *SQLManager) CleanupExpired(ctx context.Context) (int, error) {
	res, err := m.db.ExecContext(ctx, m.db.Rebind(
		`DELETE FROM queue_processing_locks WHERE lock_expires_at < ?`),
		models.UnixMilli(m.opts.Clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cleanup result: %w", err)
	}
	if n > 0 {
		slog.Debug("SQLManager.CleanupExpired: removed expired locks", "count", n)
	}
	return int(n), nil
}

// IsLocked implements Manager.
func (m *SQLManager) IsLocked(ctx context.Context, sessionID string, dir models.Direction) (bool, error) {
	var count int
	err := m.db.GetContext(ctx, &count, m.db.Rebind(`
		SELECT COUNT(*) FROM queue_processing_locks
		WHERE session_id = ? AND lock_type = ? AND lock_expires_at >= ?`),
		sessionID, string(dir), models.UnixMilli(m.opts.Clock.Now()))
	if err != nil {
		return false, fmt.Errorf("failed to check lock for session %s: %w", sessionID, err)
	}
	return count > 0, nil
}

// ActiveLocks implements Manager.
func (m *SQLManager) ActiveLocks(ctx context.Context) ([]models.ProcessingLock, error) {
	var rows []lockRow
	err := m.db.SelectContext(ctx, &rows, m.db.Rebind(`
		SELECT session_id, lock_type, locked_at, worker_id, lock_expires_at, message_id
		FROM queue_processing_locks
		WHERE lock_expires_at >= ?
		ORDER BY locked_at ASC`),
		models.UnixMilli(m.opts.Clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to list active locks: %w", err)
	}
	out := make([]models.ProcessingLock, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ReleaseAll implements Manager.
func (m *SQLManager) ReleaseAll(ctx context.Context) (int, error) {
	res, err := m.db.ExecContext(ctx, m.db.Rebind(
		`DELETE FROM queue_processing_locks WHERE worker_id = ?`), m.opts.WorkerID)
	if err != nil {
		return 0, fmt.Errorf("failed to release locks for worker %s: %w", m.opts.WorkerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read release result: %w", err)
	}
	slog.Info("SQLManager.ReleaseAll: released worker locks", "workerID", m.opts.WorkerID, "count", n)
	return int(n), nil
}
