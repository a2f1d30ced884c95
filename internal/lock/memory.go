package lock

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/MsgQueue/internal/models"
)

type lockKey struct {
	sessionID string
	dir       models.Direction
}

type memoryTable struct {
	mu    sync.Mutex
	locks map[lockKey]models.ProcessingLock
}

// MemoryManager keeps locks in process memory. It serves stores that already guarantee a
// single active process, such as the filesystem store.
type MemoryManager struct {
	opts Opts
	*memoryTable
}

var _ Manager = (*MemoryManager)(nil)

// NewMemoryManager creates an empty in-process lock table.
func NewMemoryManager(opts ...Option) *MemoryManager {
	return &MemoryManager{
		opts:        buildOpts(opts),
		memoryTable: &memoryTable{locks: make(map[lockKey]models.ProcessingLock)},
	}
}

// ForWorker returns a manager for another worker sharing the same lock table.
func (m *MemoryManager) ForWorker(workerID string) *MemoryManager {
	opts := m.opts
	opts.WorkerID = workerID
	return &MemoryManager{opts: opts, memoryTable: m.memoryTable}
}

// WorkerID implements Manager.
func (m *MemoryManager) WorkerID() string { return m.opts.WorkerID }

// Acquire implements Manager.
func (m *MemoryManager) Acquire(ctx context.Context, sessionID string, dir models.Direction, messageID string) (bool, error) {
	now := m.opts.Clock.Now()
	key := lockKey{sessionID, dir}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.locks[key]; ok && !existing.Expired(now) {
		slog.Debug("MemoryManager.Acquire: session busy", "sessionID", sessionID, "direction", dir, "holder", existing.WorkerID)
		return false, nil
	}
	m.locks[key] = models.ProcessingLock{
		SessionID: sessionID,
		Direction: dir,
		WorkerID:  m.opts.WorkerID,
		MessageID: messageID,
		LockedAt:  models.TruncateMilli(now),
		ExpiresAt: models.TruncateMilli(now.Add(m.opts.TTL)),
	}
	return true, nil
}

// Renew implements Manager.
func (m *MemoryManager) Renew(ctx context.Context, sessionID string, dir models.Direction) (bool, error) {
	key := lockKey{sessionID, dir}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.locks[key]
	if !ok || existing.WorkerID != m.opts.WorkerID {
		return false, nil
	}
	existing.ExpiresAt = models.TruncateMilli(m.opts.Clock.Now().Add(m.opts.TTL))
	m.locks[key] = existing
	return true, nil
}

// Release implements Manager.
func (m *MemoryManager) Release(ctx context.Context, sessionID string, dir models.Direction) error {
	key := lockKey{sessionID, dir}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.locks[key]; ok && existing.WorkerID == m.opts.WorkerID {
		delete(m.locks, key)
	}
	return nil
}

// CleanupExpired implements Manager.
func (m *MemoryManager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.opts.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, l := range m.locks {
		if l.Expired(now) {
			delete(m.locks, key)
			removed++
		}
	}
	return removed, nil
}

// IsLocked implements Manager.
func (m *MemoryManager) IsLocked(ctx context.Context, sessionID string, dir models.Direction) (bool, error) {
	now := m.opts.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[lockKey{sessionID, dir}]
	return ok && !l.Expired(now), nil
}

// ActiveLocks implements Manager.
func (m *MemoryManager) ActiveLocks(ctx context.Context) ([]models.ProcessingLock, error) {
	now := m.opts.Clock.Now()

	m.mu.Lock()
	out := make([]models.ProcessingLock, 0, len(m.locks))
	for _, l := range m.locks {
		if !l.Expired(now) {
			out = append(out, l)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LockedAt.Before(out[j].LockedAt) })
	return out, nil
}

// ReleaseAll implements Manager.
func (m *MemoryManager) ReleaseAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for key, l := range m.locks {
		if l.WorkerID == m.opts.WorkerID {
			delete(m.locks, key)
			released++
		}
	}
	return released, nil
}
