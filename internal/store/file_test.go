package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/MsgQueue/internal/clock"
	"github.com/BTreeMap/MsgQueue/internal/lockfile"
	"github.com/BTreeMap/MsgQueue/internal/models"
)

func TestFileStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	stateDir := t.TempDir()
	clk := clock.NewFake(testStart)

	s, err := NewFileStore(stateDir, models.DirectionInbound, WithClock(clk))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	id := mustEnqueue(t, s, "s1", "persist me")
	if _, err := s.Fail(ctx, id, "timeout"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewFileStore(stateDir, models.DirectionInbound, WithClock(clk))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	pending, err := reopened.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id || pending[0].RetryCount != 1 || pending[0].LastError != "timeout" {
		t.Errorf("entry not recovered after restart: %+v", pending)
	}
}

func TestFileStoreOnDiskFormat(t *testing.T) {
	stateDir := t.TempDir()
	s, err := NewFileStore(stateDir, models.DirectionOutbound, WithClock(clock.NewFake(testStart)))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer s.Close()
	id := mustEnqueue(t, s, "s1", "hi")

	path := filepath.Join(stateDir, "outbound-queue", id+".json")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("entry file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != FilePermissions {
		t.Errorf("file permissions = %o, want %o", perm, FilePermissions)
	}
	dirInfo, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("queue dir missing: %v", err)
	}
	if perm := dirInfo.Mode().Perm(); perm != DirPermissions {
		t.Errorf("dir permissions = %o, want %o", perm, DirPermissions)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), FailedDirName)); !os.IsNotExist(err) {
		t.Errorf("failed/ should only be created on first dead letter")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("entry file is not JSON: %v", err)
	}
	if raw["to"] != "+1234567890" || raw["sessionId"] != "s1" || raw["enqueuedAt"] != float64(testStart.UnixMilli()) {
		t.Errorf("unexpected on-disk entry: %s", data)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}

func TestFileStoreSkipsCorruptAndForeignFiles(t *testing.T) {
	ctx := context.Background()
	stateDir := t.TempDir()
	s, err := NewFileStore(stateDir, models.DirectionInbound, WithClock(clock.NewFake(testStart)))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer s.Close()
	id := mustEnqueue(t, s, "s1", "good")

	queueDir := s.QueueDir()
	os.WriteFile(filepath.Join(queueDir, "broken.json"), []byte("{not json"), 0600)
	os.WriteFile(filepath.Join(queueDir, "no-session.json"), []byte(`{"id":"x","enqueuedAt":1}`), 0600)
	os.WriteFile(filepath.Join(queueDir, "notes.txt"), []byte("ignore me"), 0600)
	os.Mkdir(filepath.Join(queueDir, "nested.json"), 0700)

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Errorf("expected only the good entry, got %+v", pending)
	}
	if _, err := os.Stat(filepath.Join(queueDir, "broken.json")); err != nil {
		t.Errorf("corrupt file should be left in place: %v", err)
	}
	if _, err := s.Get(ctx, "broken"); !errors.Is(err, models.ErrInvalidEntry) {
		t.Errorf("Get of corrupt entry: expected ErrInvalidEntry, got %v", err)
	}
}

func TestFileStoreCompletesInterruptedDeadLetterMove(t *testing.T) {
	ctx := context.Background()
	stateDir := t.TempDir()
	s, err := NewFileStore(stateDir, models.DirectionInbound, WithClock(clock.NewFake(testStart)))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer s.Close()
	id := mustEnqueue(t, s, "s1", "half moved")

	// Simulate a crash after the dead letter was written but before the entry was removed.
	entry, _ := s.Get(ctx, id)
	if err := s.writeDeadLetter(models.NewDeadLetter(*entry, "boom", testStart)); err != nil {
		t.Fatalf("writeDeadLetter failed: %v", err)
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("half-moved entry must not be pending: %+v", pending)
	}
	if _, err := os.Stat(s.entryPath(id)); !os.IsNotExist(err) {
		t.Errorf("main file should be removed, stat err = %v", err)
	}
	if _, err := s.GetDeadLetter(ctx, id); err != nil {
		t.Errorf("dead letter should remain: %v", err)
	}
}

func TestFileStoreDirectoryGuard(t *testing.T) {
	stateDir := t.TempDir()
	first, err := NewFileStore(stateDir, models.DirectionInbound)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	_, err = NewFileStore(stateDir, models.DirectionInbound)
	var lockErr *lockfile.LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("second worker should be refused with a LockError, got %v", err)
	}
	if !strings.Contains(err.Error(), "owned by another worker") {
		t.Errorf("unexpected error message: %v", err)
	}

	// The other direction has its own directory.
	other, err := NewFileStore(stateDir, models.DirectionOutbound)
	if err != nil {
		t.Fatalf("outbound store should open independently: %v", err)
	}
	other.Close()

	first.Close()
	again, err := NewFileStore(stateDir, models.DirectionInbound)
	if err != nil {
		t.Fatalf("reopen after Close failed: %v", err)
	}
	again.Close()
}

func TestFileStoreReadOnlyInspectsOwnedDirectory(t *testing.T) {
	ctx := context.Background()
	stateDir := t.TempDir()
	owner, err := NewFileStore(stateDir, models.DirectionOutbound, WithClock(clock.NewFake(testStart)))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer owner.Close()
	id := mustEnqueue(t, owner, "s1", "still pending")
	deadID := mustEnqueue(t, owner, "s2", "gone")
	if err := owner.MoveToDeadLetter(ctx, deadID, "boom"); err != nil {
		t.Fatalf("MoveToDeadLetter failed: %v", err)
	}

	ro, err := NewFileStore(stateDir, models.DirectionOutbound, WithReadOnly())
	if err != nil {
		t.Fatalf("read-only open must not need the directory guard: %v", err)
	}
	defer ro.Close()

	m, err := ro.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if m.Pending != 1 || m.DeadLetter != 1 {
		t.Errorf("metrics = %+v, want 1 pending and 1 dead letter", m)
	}
	if _, err := ro.GetDeadLetter(ctx, deadID); err != nil {
		t.Errorf("GetDeadLetter failed: %v", err)
	}

	if res := ro.Enqueue(ctx, models.EnqueueParams{SessionID: "s3", Channel: "whatsapp", Address: "+1"}); res.Queued {
		t.Error("read-only store must not accept writes")
	}
	if err := ro.Ack(ctx, id); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Ack: expected ErrReadOnly, got %v", err)
	}
	if _, err := ro.RequeueDeadLetter(ctx, deadID); !errors.Is(err, ErrReadOnly) {
		t.Errorf("RequeueDeadLetter: expected ErrReadOnly, got %v", err)
	}
	if _, err := ro.DequeueNext(ctx); !errors.Is(err, ErrReadOnly) {
		t.Errorf("DequeueNext: expected ErrReadOnly, got %v", err)
	}
	if _, err := owner.Get(ctx, id); err != nil {
		t.Errorf("owner's entry should be untouched: %v", err)
	}
}

func TestFileStoreReadOnlyLeavesHalfMovedEntry(t *testing.T) {
	ctx := context.Background()
	stateDir := t.TempDir()
	owner, err := NewFileStore(stateDir, models.DirectionInbound, WithClock(clock.NewFake(testStart)))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer owner.Close()
	id := mustEnqueue(t, owner, "s1", "half moved")
	entry, _ := owner.Get(ctx, id)
	if err := owner.writeDeadLetter(models.NewDeadLetter(*entry, "boom", testStart)); err != nil {
		t.Fatalf("writeDeadLetter failed: %v", err)
	}

	ro, err := NewFileStore(stateDir, models.DirectionInbound, WithReadOnly())
	if err != nil {
		t.Fatalf("read-only open failed: %v", err)
	}
	pending, err := ro.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("half-moved entry must not be listed: %+v", pending)
	}
	if _, err := os.Stat(owner.entryPath(id)); err != nil {
		t.Errorf("read-only inspection must leave the file for its owner: %v", err)
	}
}

func TestFileStoreRejectsUnknownDirection(t *testing.T) {
	if _, err := NewFileStore(t.TempDir(), models.Direction("sideways")); !errors.Is(err, models.ErrUnknownDirection) {
		t.Errorf("expected ErrUnknownDirection, got %v", err)
	}
}
