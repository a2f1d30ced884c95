package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/BTreeMap/MsgQueue/internal/backoff"
	"github.com/BTreeMap/MsgQueue/internal/lock"
	"github.com/BTreeMap/MsgQueue/internal/models"
)

const entryColumns = `id, session_id, channel, address, account_id, chat_id, chat_type, thread_id,
	reply_to_id, body, payload, best_effort, gif_playback, silent, status, created_at,
	processing_started_at, retry_count, max_retries, next_retry_at, error, error_history`

const deadLetterColumns = `id, session_id, original_message, final_error, error_history, failed_at, retry_count`

// SQLStore keeps one direction's entries in <direction>_message_queue and its dead letters
// in <direction>_dead_letter.
type SQLStore struct {
	db         *DB
	dir        models.Direction
	table      string
	deadLetter string
	opts       Opts
	locks      lock.Manager
}

var _ QueueStore = (*SQLStore)(nil)

// NewSQLStore creates the store for dir on db. Unless overridden, locks live in the
// database's queue_processing_locks table.
func NewSQLStore(db *DB, dir models.Direction, opts ...Option) (*SQLStore, error) {
	if !dir.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownDirection, dir)
	}
	cfg := buildOpts(opts)
	locks := cfg.Locks
	if locks == nil {
		locks = lock.NewSQLManager(db.DB, cfg.lockOptions()...)
	}
	return &SQLStore{
		db:         db,
		dir:        dir,
		table:      string(dir) + "_message_queue",
		deadLetter: string(dir) + "_dead_letter",
		opts:       cfg,
		locks:      locks,
	}, nil
}

// Direction implements QueueStore.
func (s *SQLStore) Direction() models.Direction { return s.dir }

// Locks implements QueueStore.
func (s *SQLStore) Locks() lock.Manager { return s.locks }

// Close implements QueueStore. The shared DB is closed by its owner.
func (s *SQLStore) Close() error { return nil }

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

// Enqueue implements QueueStore.
func (s *SQLStore) Enqueue(ctx context.Context, params models.EnqueueParams) models.EnqueueResult {
	id := uuid.NewString()
	if err := params.Validate(); err != nil {
		return models.EnqueueResult{ID: id, Queued: false, Error: err.Error()}
	}
	entry := params.NewEntry(id, s.dir, s.opts.Clock.Now())
	if err := s.insertEntry(ctx, s.db.DB, entry); err != nil {
		slog.Error("SQLStore.Enqueue: insert failed", "error", err, "id", id, "direction", s.dir)
		return models.EnqueueResult{ID: id, Queued: false, Error: err.Error()}
	}
	slog.Debug("SQLStore.Enqueue", "id", id, "sessionID", entry.SessionID, "direction", s.dir)
	return models.EnqueueResult{ID: id, Queued: true}
}

func (s *SQLStore) insertEntry(ctx context.Context, ex sqlx.ExecerContext, e models.QueueEntry) error {
	row, err := rowFromEntry(e)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, s.q(`INSERT INTO `+s.table+` (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.ID, row.SessionID, row.Channel, row.Address, row.AccountID, row.ChatID, row.ChatType,
		row.ThreadID, row.ReplyToID, row.Body, row.Payload, row.BestEffort, row.GifPlayback, row.Silent,
		row.Status, row.CreatedAt, row.ProcessingStartedAt, row.RetryCount, row.MaxRetries,
		row.NextRetryAt, row.Error, row.ErrorHistory)
	if err != nil {
		return fmt.Errorf("insert into %s failed: %w", s.table, err)
	}
	return nil
}

// DequeueNext implements QueueStore. Candidates are the oldest row of each session, pending
// and due; they are tried in order until one session lock is won.
func (s *SQLStore) DequeueNext(ctx context.Context) (models.DequeueResult, error) {
	if _, err := s.locks.CleanupExpired(ctx); err != nil {
		slog.Warn("SQLStore.DequeueNext: lock cleanup failed", "error", err)
	}

	now := models.UnixMilli(s.opts.Clock.Now())
	query := s.q(`SELECT ` + entryColumns + ` FROM ` + s.table + ` q
		WHERE q.status = 'pending'
		  AND (q.next_retry_at IS NULL OR q.next_retry_at <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM ` + s.table + ` o
			WHERE o.session_id = q.session_id
			  AND (o.created_at < q.created_at OR (o.created_at = q.created_at AND o.id < q.id))
		  )
		ORDER BY q.created_at ASC, q.id ASC
		LIMIT ? OFFSET ?`)

	locked := false
	for offset := 0; ; offset += s.opts.DequeueBatch {
		var rows []entryRow
		if err := s.db.SelectContext(ctx, &rows, query, now, s.opts.DequeueBatch, offset); err != nil {
			return models.DequeueResult{}, fmt.Errorf("dequeue query on %s failed: %w", s.table, err)
		}
		for _, r := range rows {
			ok, err := s.locks.Acquire(ctx, r.SessionID, s.dir, r.ID)
			if err != nil {
				return models.DequeueResult{}, err
			}
			if !ok {
				locked = true
				continue
			}
			entry, err := s.getWhere(ctx, `id = ? AND status = 'pending'`, r.ID)
			if err != nil {
				// Acked or claimed between the scan and the lock.
				if relErr := s.locks.Release(ctx, r.SessionID, s.dir); relErr != nil {
					slog.Warn("SQLStore.DequeueNext: release after lost race failed", "error", relErr)
				}
				if errors.Is(err, models.ErrEntryNotFound) || errors.Is(err, models.ErrInvalidEntry) {
					continue
				}
				return models.DequeueResult{}, err
			}
			slog.Debug("SQLStore.DequeueNext: claimed entry", "id", entry.ID, "sessionID", entry.SessionID)
			return models.DequeueResult{Entry: entry, Locked: true}, nil
		}
		if len(rows) < s.opts.DequeueBatch {
			return models.DequeueResult{Locked: locked}, nil
		}
	}
}

// MarkProcessing implements QueueStore.
func (s *SQLStore) MarkProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE `+s.table+`
		SET status = 'processing', processing_started_at = ? WHERE id = ?`),
		models.UnixMilli(s.opts.Clock.Now()), id)
	if err != nil {
		return fmt.Errorf("mark processing failed for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrEntryNotFound
	}
	return nil
}

// Ack implements QueueStore.
func (s *SQLStore) Ack(ctx context.Context, id string) error {
	var sessionID string
	err := s.db.GetContext(ctx, &sessionID, s.q(`SELECT session_id FROM `+s.table+` WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ack lookup failed for %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM `+s.table+` WHERE id = ?`), id); err != nil {
		return fmt.Errorf("ack delete failed for %s: %w", id, err)
	}
	if err := s.locks.Release(ctx, sessionID, s.dir); err != nil {
		slog.Warn("SQLStore.Ack: lock release failed", "error", err, "id", id)
	}
	slog.Debug("SQLStore.Ack", "id", id, "direction", s.dir)
	return nil
}

// Fail implements QueueStore.
func (s *SQLStore) Fail(ctx context.Context, id string, errMsg string) (*models.QueueEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := s.getWhereTx(ctx, tx, `id = ?`, id)
	if err != nil {
		return nil, err
	}
	now := s.opts.Clock.Now()
	entry.RetryCount++
	entry.RecordError(errMsg)
	entry.NextRetryAt = backoff.NextRetryAt(now, entry.RetryCount, s.dir)
	entry.Status = models.StatusPending
	entry.ProcessingStartedAt = time.Time{}

	history, err := encodeHistory(entry.ErrorHistory)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, s.q(`UPDATE `+s.table+`
		SET status = 'pending', retry_count = ?, next_retry_at = ?, error = ?, error_history = ?,
		    processing_started_at = NULL
		WHERE id = ?`),
		entry.RetryCount, models.UnixMilli(entry.NextRetryAt), entry.LastError, history, id)
	if err != nil {
		return nil, fmt.Errorf("fail update failed for %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit fail for %s: %w", id, err)
	}

	if err := s.locks.Release(ctx, entry.SessionID, s.dir); err != nil {
		slog.Warn("SQLStore.Fail: lock release failed", "error", err, "id", id)
	}
	slog.Debug("SQLStore.Fail", "id", id, "retryCount", entry.RetryCount, "nextRetryAt", entry.NextRetryAt)
	return entry, nil
}

// MoveToDeadLetter implements QueueStore. The insert and delete share one transaction.
func (s *SQLStore) MoveToDeadLetter(ctx context.Context, id string, finalErr string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := s.getWhereTx(ctx, tx, `id = ?`, id)
	if errors.Is(err, models.ErrEntryNotFound) {
		if _, dlErr := s.GetDeadLetter(ctx, id); dlErr == nil {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	dl := models.NewDeadLetter(*entry, finalErr, s.opts.Clock.Now())
	if err := s.insertDeadLetter(ctx, tx, dl); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+s.table+` WHERE id = ?`), id); err != nil {
		return fmt.Errorf("dead-letter delete failed for %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter move for %s: %w", id, err)
	}

	if err := s.locks.Release(ctx, entry.SessionID, s.dir); err != nil {
		slog.Warn("SQLStore.MoveToDeadLetter: lock release failed", "error", err, "id", id)
	}
	slog.Info("SQLStore.MoveToDeadLetter: entry dead-lettered", "id", id, "direction", s.dir, "retryCount", entry.RetryCount, "finalError", finalErr)
	return nil
}

func (s *SQLStore) insertDeadLetter(ctx context.Context, ex sqlx.ExecerContext, dl models.DeadLetterEntry) error {
	original, err := json.Marshal(dl.OriginalEntry)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter %s: %w", dl.ID, err)
	}
	history, err := encodeHistory(dl.ErrorHistory)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, s.q(`INSERT INTO `+s.deadLetter+` (`+deadLetterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		dl.ID, dl.OriginalEntry.SessionID, string(original), nilIfEmpty(dl.FinalError), history,
		models.UnixMilli(dl.FailedAt), dl.RetryCount)
	if err != nil {
		return fmt.Errorf("insert into %s failed: %w", s.deadLetter, err)
	}
	return nil
}

// Get implements QueueStore.
func (s *SQLStore) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	return s.getWhere(ctx, `id = ?`, id)
}

func (s *SQLStore) getWhere(ctx context.Context, where string, args ...interface{}) (*models.QueueEntry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+entryColumns+` FROM `+s.table+` WHERE `+where), args...)
	return s.finishGet(row, err)
}

func (s *SQLStore) getWhereTx(ctx context.Context, tx *sqlx.Tx, where string, args ...interface{}) (*models.QueueEntry, error) {
	var row entryRow
	err := tx.GetContext(ctx, &row, s.q(`SELECT `+entryColumns+` FROM `+s.table+` WHERE `+where), args...)
	return s.finishGet(row, err)
}

func (s *SQLStore) finishGet(row entryRow, err error) (*models.QueueEntry, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select from %s failed: %w", s.table, err)
	}
	entry, err := row.toEntry(s.dir)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListPending implements QueueStore.
func (s *SQLStore) ListPending(ctx context.Context) ([]models.QueueEntry, error) {
	return s.listWhere(ctx, `status = 'pending'`)
}

func (s *SQLStore) listWhere(ctx context.Context, where string, args ...interface{}) ([]models.QueueEntry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+entryColumns+` FROM `+s.table+`
		WHERE `+where+` ORDER BY created_at ASC, id ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("list %s failed: %w", s.table, err)
	}
	entries := make([]models.QueueEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntry(s.dir)
		if err != nil {
			slog.Warn("SQLStore: skipping corrupt queue row", "id", r.ID, "table", s.table, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Metrics implements QueueStore.
func (s *SQLStore) Metrics(ctx context.Context) (models.QueueMetrics, error) {
	m := models.QueueMetrics{Direction: s.dir}

	var counts []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &counts, `SELECT status, COUNT(*) AS n FROM `+s.table+` GROUP BY status`); err != nil {
		return m, fmt.Errorf("metrics query on %s failed: %w", s.table, err)
	}
	for _, c := range counts {
		if models.EntryStatus(c.Status) == models.StatusProcessing {
			m.Processing += c.Count
		} else {
			m.Pending += c.Count
		}
	}
	if err := s.db.GetContext(ctx, &m.DeadLetter, `SELECT COUNT(*) FROM `+s.deadLetter); err != nil {
		return m, fmt.Errorf("metrics query on %s failed: %w", s.deadLetter, err)
	}
	var oldest sql.NullInt64
	if err := s.db.GetContext(ctx, &oldest, `SELECT MIN(created_at) FROM `+s.table+` WHERE status = 'pending'`); err != nil {
		return m, fmt.Errorf("oldest pending query on %s failed: %w", s.table, err)
	}
	if oldest.Valid {
		m.OldestPendingAt = models.FromUnixMilli(oldest.Int64)
	}
	return m, nil
}

// RecordMetrics stores a snapshot of the current metrics in queue_metrics.
func (s *SQLStore) RecordMetrics(ctx context.Context) (models.QueueMetrics, error) {
	m, err := s.Metrics(ctx)
	if err != nil {
		return m, err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO queue_metrics
		(recorded_at, direction, pending, processing, dead_letter) VALUES (?, ?, ?, ?, ?)`),
		models.UnixMilli(s.opts.Clock.Now()), string(s.dir), m.Pending, m.Processing, m.DeadLetter)
	if err != nil {
		return m, fmt.Errorf("failed to record metrics: %w", err)
	}
	return m, nil
}

// PruneMetrics deletes this direction's snapshots recorded before olderThan.
func (s *SQLStore) PruneMetrics(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM queue_metrics WHERE direction = ? AND recorded_at < ?`),
		string(s.dir), models.UnixMilli(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to prune metrics: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RequeueStale implements QueueStore.
func (s *SQLStore) RequeueStale(ctx context.Context, staleBefore time.Time) (int, error) {
	stale, err := s.listWhere(ctx, `status = 'processing' AND processing_started_at < ?`, models.UnixMilli(staleBefore))
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, e := range stale {
		held, err := s.locks.IsLocked(ctx, e.SessionID, s.dir)
		if err != nil {
			return requeued, err
		}
		if held {
			continue
		}
		res, err := s.db.ExecContext(ctx, s.q(`UPDATE `+s.table+`
			SET status = 'pending', processing_started_at = NULL
			WHERE id = ? AND status = 'processing'`), e.ID)
		if err != nil {
			return requeued, fmt.Errorf("requeue stale failed for %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			requeued++
		}
	}
	if requeued > 0 {
		slog.Info("SQLStore.RequeueStale: requeued stale entries", "count", requeued, "direction", s.dir)
	}
	return requeued, nil
}

// Import implements QueueStore.
func (s *SQLStore) Import(ctx context.Context, entry models.QueueEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("%w: missing id", models.ErrInvalidEntry)
	}
	entry.Direction = s.dir
	if entry.Status == "" {
		entry.Status = models.StatusPending
	}
	if s.exists(ctx, s.table, entry.ID) || s.exists(ctx, s.deadLetter, entry.ID) {
		return fmt.Errorf("%w: %s", models.ErrDuplicateEntry, entry.ID)
	}
	return s.insertEntry(ctx, s.db.DB, entry)
}

func (s *SQLStore) exists(ctx context.Context, table, id string) bool {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM `+table+` WHERE id = ?`), id)
	return err == nil && n > 0
}

// ListDeadLetters implements QueueStore.
func (s *SQLStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM ` + s.deadLetter + ` ORDER BY failed_at ASC, id ASC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []deadLetterRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list %s failed: %w", s.deadLetter, err)
	}
	out := make([]models.DeadLetterEntry, 0, len(rows))
	for _, r := range rows {
		dl, err := r.toDeadLetter(s.dir)
		if err != nil {
			slog.Warn("SQLStore.ListDeadLetters: skipping corrupt row", "id", r.ID, "error", err)
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// GetDeadLetter implements QueueStore.
func (s *SQLStore) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	var row deadLetterRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+deadLetterColumns+` FROM `+s.deadLetter+` WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select from %s failed: %w", s.deadLetter, err)
	}
	dl, err := row.toDeadLetter(s.dir)
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

// RequeueDeadLetter implements QueueStore.
func (s *SQLStore) RequeueDeadLetter(ctx context.Context, id string) (string, error) {
	dl, err := s.GetDeadLetter(ctx, id)
	if err != nil {
		return "", err
	}
	entry := requeuedEntry(*dl, uuid.NewString(), s.dir, s.opts.Clock.Now())

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := s.insertEntry(ctx, tx, entry); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+s.deadLetter+` WHERE id = ?`), id); err != nil {
		return "", fmt.Errorf("delete from %s failed: %w", s.deadLetter, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit requeue of %s: %w", id, err)
	}
	slog.Info("SQLStore.RequeueDeadLetter: dead letter requeued", "id", id, "newID", entry.ID, "direction", s.dir)
	return entry.ID, nil
}

// PurgeDeadLetters implements QueueStore.
func (s *SQLStore) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM `+s.deadLetter+` WHERE failed_at < ?`), models.UnixMilli(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge %s failed: %w", s.deadLetter, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ImportDeadLetter implements QueueStore.
func (s *SQLStore) ImportDeadLetter(ctx context.Context, dl models.DeadLetterEntry) error {
	if dl.ID == "" {
		return fmt.Errorf("%w: missing id", models.ErrInvalidEntry)
	}
	if s.exists(ctx, s.deadLetter, dl.ID) || s.exists(ctx, s.table, dl.ID) {
		return fmt.Errorf("%w: %s", models.ErrDuplicateEntry, dl.ID)
	}
	dl.OriginalEntry.Direction = s.dir
	return s.insertDeadLetter(ctx, s.db.DB, dl)
}
