package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/MsgQueue/internal/backoff"
	"github.com/BTreeMap/MsgQueue/internal/lock"
	"github.com/BTreeMap/MsgQueue/internal/lockfile"
	"github.com/BTreeMap/MsgQueue/internal/models"
)

// File layout constants
const (
	// FailedDirName is the dead-letter subdirectory of each queue directory.
	FailedDirName = "failed"
	// DirPermissions keeps queue directories private to the service user.
	DirPermissions = 0700
	// FilePermissions keeps entry files private to the service user.
	FilePermissions = 0600
	entryExt        = ".json"
)

// QueueDirName returns the directory name used for dir under the state directory.
func QueueDirName(dir models.Direction) string {
	return string(dir) + "-queue"
}

// FileStore keeps one JSON file per entry under <stateDir>/<direction>-queue.
type FileStore struct {
	dir       models.Direction
	queueDir  string
	failedDir string
	opts      Opts
	locks     lock.Manager
	guard     *lockfile.Lock

	// mu serializes read-modify-write cycles on entry files within this process.
	mu sync.Mutex
}

var _ QueueStore = (*FileStore)(nil)

// NewFileStore opens the queue directory for dir under stateDir, creating it if needed.
// It fails with a *lockfile.LockError when another process already owns the directory,
// unless WithReadOnly is given.
func NewFileStore(stateDir string, dir models.Direction, opts ...Option) (*FileStore, error) {
	if !dir.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownDirection, dir)
	}
	cfg := buildOpts(opts)
	queueDir := filepath.Join(stateDir, QueueDirName(dir))
	slog.Debug("NewFileStore invoked", "queueDir", queueDir, "direction", dir)

	var guard *lockfile.Lock
	if !cfg.ReadOnly {
		if err := os.MkdirAll(queueDir, DirPermissions); err != nil {
			slog.Error("Failed to create queue directory", "error", err, "dir", queueDir)
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
		var err error
		if guard, err = lockfile.AcquireLock(queueDir); err != nil {
			return nil, err
		}
	}

	locks := cfg.Locks
	if locks == nil {
		locks = lock.NewMemoryManager(cfg.lockOptions()...)
	}
	return &FileStore{
		dir:       dir,
		queueDir:  queueDir,
		failedDir: filepath.Join(queueDir, FailedDirName),
		opts:      cfg,
		locks:     locks,
		guard:     guard,
	}, nil
}

// Direction implements QueueStore.
func (s *FileStore) Direction() models.Direction { return s.dir }

// Locks implements QueueStore.
func (s *FileStore) Locks() lock.Manager { return s.locks }

// QueueDir returns the directory holding pending entries.
func (s *FileStore) QueueDir() string { return s.queueDir }

// Close releases the directory guard.
func (s *FileStore) Close() error {
	if s.guard == nil {
		return nil
	}
	err := s.guard.Release()
	s.guard = nil
	return err
}

// writable fails with ErrReadOnly when the store was opened for inspection only.
func (s *FileStore) writable(op string) error {
	if s.opts.ReadOnly {
		return fmt.Errorf("FileStore.%s %s: %w", op, s.queueDir, ErrReadOnly)
	}
	return nil
}

func (s *FileStore) entryPath(id string) string {
	return filepath.Join(s.queueDir, id+entryExt)
}

func (s *FileStore) deadLetterPath(id string) string {
	return filepath.Join(s.failedDir, id+entryExt)
}

// Enqueue implements QueueStore.
func (s *FileStore) Enqueue(ctx context.Context, params models.EnqueueParams) models.EnqueueResult {
	if err := s.writable("Enqueue"); err != nil {
		return models.EnqueueResult{Queued: false, Error: err.Error()}
	}
	id := uuid.NewString()
	if err := params.Validate(); err != nil {
		return models.EnqueueResult{ID: id, Queued: false, Error: err.Error()}
	}
	entry := params.NewEntry(id, s.dir, s.opts.Clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeEntry(entry); err != nil {
		slog.Error("FileStore.Enqueue: write failed", "error", err, "id", id, "direction", s.dir)
		return models.EnqueueResult{ID: id, Queued: false, Error: err.Error()}
	}
	slog.Debug("FileStore.Enqueue", "id", id, "sessionID", entry.SessionID, "direction", s.dir)
	return models.EnqueueResult{ID: id, Queued: true}
}

// DequeueNext implements QueueStore.
func (s *FileStore) DequeueNext(ctx context.Context) (models.DequeueResult, error) {
	if err := s.writable("DequeueNext"); err != nil {
		return models.DequeueResult{}, err
	}
	if _, err := s.locks.CleanupExpired(ctx); err != nil {
		slog.Warn("FileStore.DequeueNext: lock cleanup failed", "error", err)
	}

	s.mu.Lock()
	entries, err := s.loadAll()
	s.mu.Unlock()
	if err != nil {
		return models.DequeueResult{}, err
	}

	now := s.opts.Clock.Now()
	locked := false
	for _, candidate := range dueHeads(entries, now) {
		ok, err := s.locks.Acquire(ctx, candidate.SessionID, s.dir, candidate.ID)
		if err != nil {
			return models.DequeueResult{}, err
		}
		if !ok {
			locked = true
			continue
		}
		s.mu.Lock()
		current, err := s.readEntry(s.entryPath(candidate.ID))
		s.mu.Unlock()
		if err != nil || current.Status != models.StatusPending {
			// Acked or claimed between the scan and the lock.
			if relErr := s.locks.Release(ctx, candidate.SessionID, s.dir); relErr != nil {
				slog.Warn("FileStore.DequeueNext: release after lost race failed", "error", relErr)
			}
			continue
		}
		slog.Debug("FileStore.DequeueNext: claimed entry", "id", current.ID, "sessionID", current.SessionID)
		return models.DequeueResult{Entry: current, Locked: true}, nil
	}
	return models.DequeueResult{Locked: locked}, nil
}

// dueHeads returns, in queue order, the oldest entry of each session when that entry is
// pending and its retry gate has elapsed.
func dueHeads(entries []models.QueueEntry, now time.Time) []models.QueueEntry {
	heads := make(map[string]models.QueueEntry)
	for _, e := range entries {
		if h, ok := heads[e.SessionID]; !ok || entryBefore(e, h) {
			heads[e.SessionID] = e
		}
	}
	out := make([]models.QueueEntry, 0, len(heads))
	for _, h := range heads {
		if h.Status == models.StatusPending && backoff.IsRetryDue(h.NextRetryAt, now) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return entryBefore(out[i], out[j]) })
	return out
}

// MarkProcessing implements QueueStore.
func (s *FileStore) MarkProcessing(ctx context.Context, id string) error {
	if err := s.writable("MarkProcessing"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.readEntry(s.entryPath(id))
	if err != nil {
		return err
	}
	entry.Status = models.StatusProcessing
	entry.ProcessingStartedAt = models.TruncateMilli(s.opts.Clock.Now())
	return s.writeEntry(*entry)
}

// Ack implements QueueStore.
func (s *FileStore) Ack(ctx context.Context, id string) error {
	if err := s.writable("Ack"); err != nil {
		return err
	}
	path := s.entryPath(id)

	s.mu.Lock()
	entry, err := s.readEntry(path)
	if errors.Is(err, models.ErrEntryNotFound) {
		s.mu.Unlock()
		return nil
	}
	rmErr := os.Remove(path)
	s.mu.Unlock()
	if rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("failed to remove entry %s: %w", id, rmErr)
	}

	if entry != nil {
		if err := s.locks.Release(ctx, entry.SessionID, s.dir); err != nil {
			slog.Warn("FileStore.Ack: lock release failed", "error", err, "id", id)
		}
	}
	slog.Debug("FileStore.Ack", "id", id, "direction", s.dir)
	return nil
}

// Fail implements QueueStore.
func (s *FileStore) Fail(ctx context.Context, id string, errMsg string) (*models.QueueEntry, error) {
	if err := s.writable("Fail"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	entry, err := s.readEntry(s.entryPath(id))
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	now := s.opts.Clock.Now()
	entry.RetryCount++
	entry.RecordError(errMsg)
	entry.NextRetryAt = backoff.NextRetryAt(now, entry.RetryCount, s.dir)
	entry.Status = models.StatusPending
	entry.ProcessingStartedAt = time.Time{}
	err = s.writeEntry(*entry)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := s.locks.Release(ctx, entry.SessionID, s.dir); err != nil {
		slog.Warn("FileStore.Fail: lock release failed", "error", err, "id", id)
	}
	slog.Debug("FileStore.Fail", "id", id, "retryCount", entry.RetryCount, "nextRetryAt", entry.NextRetryAt)
	return entry, nil
}

// MoveToDeadLetter implements QueueStore. The dead-letter file is written before the entry
// file is removed; a crash in between is repaired by the next listing.
func (s *FileStore) MoveToDeadLetter(ctx context.Context, id string, finalErr string) error {
	if err := s.writable("MoveToDeadLetter"); err != nil {
		return err
	}
	s.mu.Lock()
	entry, err := s.readEntry(s.entryPath(id))
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, models.ErrEntryNotFound) && fileExists(s.deadLetterPath(id)) {
			return nil
		}
		return err
	}
	dl := models.NewDeadLetter(*entry, finalErr, s.opts.Clock.Now())
	if err := s.writeDeadLetter(dl); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := os.Remove(s.entryPath(id)); err != nil && !os.IsNotExist(err) {
		s.mu.Unlock()
		return fmt.Errorf("failed to remove dead-lettered entry %s: %w", id, err)
	}
	s.mu.Unlock()

	if err := s.locks.Release(ctx, entry.SessionID, s.dir); err != nil {
		slog.Warn("FileStore.MoveToDeadLetter: lock release failed", "error", err, "id", id)
	}
	slog.Info("FileStore.MoveToDeadLetter: entry dead-lettered", "id", id, "direction", s.dir, "retryCount", entry.RetryCount, "finalError", finalErr)
	return nil
}

// Get implements QueueStore.
func (s *FileStore) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readEntry(s.entryPath(id))
}

// ListPending implements QueueStore.
func (s *FileStore) ListPending(ctx context.Context) ([]models.QueueEntry, error) {
	s.mu.Lock()
	entries, err := s.loadAll()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	pending := entries[:0]
	for _, e := range entries {
		if e.Status == models.StatusPending {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// Metrics implements QueueStore.
func (s *FileStore) Metrics(ctx context.Context) (models.QueueMetrics, error) {
	s.mu.Lock()
	entries, err := s.loadAll()
	s.mu.Unlock()
	if err != nil {
		return models.QueueMetrics{}, err
	}
	m := models.QueueMetrics{Direction: s.dir}
	for _, e := range entries {
		switch e.Status {
		case models.StatusProcessing:
			m.Processing++
		default:
			m.Pending++
			if m.OldestPendingAt.IsZero() {
				m.OldestPendingAt = e.EnqueuedAt
			}
		}
	}
	names, err := s.jsonFiles(s.failedDir)
	if err != nil {
		return m, err
	}
	m.DeadLetter = len(names)
	return m, nil
}

// RequeueStale implements QueueStore.
func (s *FileStore) RequeueStale(ctx context.Context, staleBefore time.Time) (int, error) {
	if err := s.writable("RequeueStale"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	entries, err := s.loadAll()
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, e := range entries {
		if e.Status != models.StatusProcessing || !e.ProcessingStartedAt.Before(staleBefore) {
			continue
		}
		held, err := s.locks.IsLocked(ctx, e.SessionID, s.dir)
		if err != nil {
			return requeued, err
		}
		if held {
			continue
		}
		s.mu.Lock()
		current, err := s.readEntry(s.entryPath(e.ID))
		if err == nil && current.Status == models.StatusProcessing {
			current.Status = models.StatusPending
			current.ProcessingStartedAt = time.Time{}
			err = s.writeEntry(*current)
			if err == nil {
				requeued++
			}
		}
		s.mu.Unlock()
		if err != nil && !errors.Is(err, models.ErrEntryNotFound) {
			return requeued, err
		}
	}
	if requeued > 0 {
		slog.Info("FileStore.RequeueStale: requeued stale entries", "count", requeued, "direction", s.dir)
	}
	return requeued, nil
}

// Import implements QueueStore.
func (s *FileStore) Import(ctx context.Context, entry models.QueueEntry) error {
	if err := s.writable("Import"); err != nil {
		return err
	}
	if entry.ID == "" {
		return fmt.Errorf("%w: missing id", models.ErrInvalidEntry)
	}
	entry.Direction = s.dir
	s.mu.Lock()
	defer s.mu.Unlock()
	if fileExists(s.entryPath(entry.ID)) || fileExists(s.deadLetterPath(entry.ID)) {
		return fmt.Errorf("%w: %s", models.ErrDuplicateEntry, entry.ID)
	}
	return s.writeEntry(entry)
}

// ListDeadLetters implements QueueStore. Results are ordered by failure time; limit <= 0
// returns everything.
func (s *FileStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.jsonFiles(s.failedDir)
	if err != nil {
		return nil, err
	}
	out := make([]models.DeadLetterEntry, 0, len(names))
	for _, name := range names {
		dl, err := s.readDeadLetter(filepath.Join(s.failedDir, name))
		if err != nil {
			slog.Warn("FileStore.ListDeadLetters: skipping unreadable dead letter", "file", name, "error", err)
			continue
		}
		out = append(out, *dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetDeadLetter implements QueueStore.
func (s *FileStore) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readDeadLetter(s.deadLetterPath(id))
}

// RequeueDeadLetter implements QueueStore.
func (s *FileStore) RequeueDeadLetter(ctx context.Context, id string) (string, error) {
	if err := s.writable("RequeueDeadLetter"); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, err := s.readDeadLetter(s.deadLetterPath(id))
	if err != nil {
		return "", err
	}
	entry := requeuedEntry(*dl, uuid.NewString(), s.dir, s.opts.Clock.Now())
	if err := s.writeEntry(entry); err != nil {
		return "", err
	}
	if err := os.Remove(s.deadLetterPath(id)); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to remove dead letter %s: %w", id, err)
	}
	slog.Info("FileStore.RequeueDeadLetter: dead letter requeued", "id", id, "newID", entry.ID, "direction", s.dir)
	return entry.ID, nil
}

// PurgeDeadLetters implements QueueStore.
func (s *FileStore) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int, error) {
	if err := s.writable("PurgeDeadLetters"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.jsonFiles(s.failedDir)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, name := range names {
		path := filepath.Join(s.failedDir, name)
		dl, err := s.readDeadLetter(path)
		if err != nil || !dl.FailedAt.Before(olderThan) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return purged, fmt.Errorf("failed to purge dead letter %s: %w", dl.ID, err)
		}
		purged++
	}
	return purged, nil
}

// ImportDeadLetter implements QueueStore.
func (s *FileStore) ImportDeadLetter(ctx context.Context, dl models.DeadLetterEntry) error {
	if err := s.writable("ImportDeadLetter"); err != nil {
		return err
	}
	if dl.ID == "" {
		return fmt.Errorf("%w: missing id", models.ErrInvalidEntry)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if fileExists(s.deadLetterPath(dl.ID)) || fileExists(s.entryPath(dl.ID)) {
		return fmt.Errorf("%w: %s", models.ErrDuplicateEntry, dl.ID)
	}
	return s.writeDeadLetter(dl)
}

// requeuedEntry turns a dead letter back into a fresh pending entry.
func requeuedEntry(dl models.DeadLetterEntry, newID string, dir models.Direction, now time.Time) models.QueueEntry {
	e := dl.OriginalEntry
	e.ID = newID
	e.Direction = dir
	e.EnqueuedAt = models.TruncateMilli(now)
	e.Status = models.StatusPending
	e.RetryCount = 0
	e.NextRetryAt = time.Time{}
	e.LastError = ""
	e.ErrorHistory = nil
	e.ProcessingStartedAt = time.Time{}
	meta := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta["requeuedFrom"] = dl.ID
	e.Metadata = meta
	return e
}

// loadAll reads every readable entry in queue order. Unreadable files are logged and left
// in place. An entry that also exists in the dead-letter directory is the remnant of an
// interrupted move and is removed. Callers hold s.mu.
func (s *FileStore) loadAll() ([]models.QueueEntry, error) {
	names, err := s.jsonFiles(s.queueDir)
	if err != nil {
		return nil, err
	}
	entries := make([]models.QueueEntry, 0, len(names))
	for _, name := range names {
		path := filepath.Join(s.queueDir, name)
		entry, err := s.readEntry(path)
		if err != nil {
			if !errors.Is(err, models.ErrEntryNotFound) {
				slog.Warn("FileStore: skipping corrupt queue entry", "file", path, "error", err)
			}
			continue
		}
		if fileExists(s.deadLetterPath(entry.ID)) {
			if s.opts.ReadOnly {
				continue
			}
			slog.Warn("FileStore: completing interrupted dead-letter move", "id", entry.ID)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				slog.Error("FileStore: failed to remove dead-lettered entry", "error", err, "id", entry.ID)
			}
			continue
		}
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entryBefore(entries[i], entries[j]) })
	return entries, nil
}

// jsonFiles lists regular *.json files in dir. A missing directory is empty.
func (s *FileStore) jsonFiles(dir string) ([]string, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), entryExt) {
			continue
		}
		names = append(names, de.Name())
	}
	return names, nil
}

func (s *FileStore) readEntry(path string) (*models.QueueEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to read entry %s: %w", path, err)
	}
	var entry models.QueueEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrInvalidEntry, filepath.Base(path), err)
	}
	if entry.ID == "" || entry.SessionID == "" {
		return nil, fmt.Errorf("%w: %s: missing id or sessionId", models.ErrInvalidEntry, filepath.Base(path))
	}
	entry.Direction = s.dir
	return &entry, nil
}

func (s *FileStore) readDeadLetter(path string) (*models.DeadLetterEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("failed to read dead letter %s: %w", path, err)
	}
	var dl models.DeadLetterEntry
	if err := json.Unmarshal(data, &dl); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrInvalidEntry, filepath.Base(path), err)
	}
	dl.OriginalEntry.Direction = s.dir
	return &dl, nil
}

func (s *FileStore) writeEntry(entry models.QueueEntry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode entry %s: %w", entry.ID, err)
	}
	return writeFileAtomic(s.entryPath(entry.ID), data)
}

func (s *FileStore) writeDeadLetter(dl models.DeadLetterEntry) error {
	if err := os.MkdirAll(s.failedDir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create dead-letter directory: %w", err)
	}
	data, err := json.MarshalIndent(dl, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode dead letter %s: %w", dl.ID, err)
	}
	return writeFileAtomic(s.deadLetterPath(dl.ID), data)
}

// writeFileAtomic writes data to a process-unique temporary file beside path and renames it
// into place, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, data, FilePermissions); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
