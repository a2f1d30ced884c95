package recovery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/MsgQueue/internal/clock"
	"github.com/BTreeMap/MsgQueue/internal/lock"
	"github.com/BTreeMap/MsgQueue/internal/models"
	"github.com/BTreeMap/MsgQueue/internal/store"
)

var testStart = time.UnixMilli(1700000000000)

// recordingLogger captures warn lines so tests can assert on deferral warnings.
type recordingLogger struct {
	warns []string
}

func (l *recordingLogger) Info(msg string, args ...any)  {}
func (l *recordingLogger) Error(msg string, args ...any) {}
func (l *recordingLogger) Warn(msg string, args ...any)  { l.warns = append(l.warns, msg) }

type countingObserver struct {
	outcomes map[Outcome]int
}

func (o *countingObserver) ObserveOutcome(dir models.Direction, outcome Outcome, elapsed time.Duration) {
	if o.outcomes == nil {
		o.outcomes = make(map[Outcome]int)
	}
	o.outcomes[outcome]++
}

func newTestStore(t *testing.T, dir models.Direction, clk *clock.Fake, locks lock.Manager) store.QueueStore {
	t.Helper()
	opts := []store.Option{store.WithClock(clk), store.WithWorkerID("worker-test")}
	if locks != nil {
		opts = append(opts, store.WithLockManager(locks))
	}
	s, err := store.NewFileStore(t.TempDir(), dir, opts...)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// engineBackend opens a store owned by worker-a together with a lock manager acting as a
// second worker, worker-b, on the same lock table.
type engineBackend struct {
	name string
	open func(t *testing.T, dir models.Direction, clk *clock.Fake) (store.QueueStore, lock.Manager)
}

func engineBackends() []engineBackend {
	return []engineBackend{
		{name: "file", open: func(t *testing.T, dir models.Direction, clk *clock.Fake) (store.QueueStore, lock.Manager) {
			locks := lock.NewMemoryManager(lock.WithWorkerID("worker-a"), lock.WithClock(clk))
			return newTestStore(t, dir, clk, locks), locks.ForWorker("worker-b")
		}},
		{name: "sqlite", open: func(t *testing.T, dir models.Direction, clk *clock.Fake) (store.QueueStore, lock.Manager) {
			t.Helper()
			db, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
			if err != nil {
				t.Fatalf("OpenSQLite failed: %v", err)
			}
			t.Cleanup(func() { db.Close() })
			s, err := store.NewSQLStore(db, dir, store.WithClock(clk), store.WithWorkerID("worker-a"))
			if err != nil {
				t.Fatalf("NewSQLStore failed: %v", err)
			}
			return s, lock.NewSQLManager(db.DB, lock.WithWorkerID("worker-b"), lock.WithClock(clk))
		}},
	}
}

func enqueue(t *testing.T, s store.QueueStore, session, body string) string {
	t.Helper()
	res := s.Enqueue(context.Background(), models.EnqueueParams{
		SessionID: session,
		Channel:   "whatsapp",
		Address:   "+1234567890",
		Body:      body,
	})
	if !res.Queued {
		t.Fatalf("Enqueue failed: %s", res.Error)
	}
	return res.ID
}

func TestRecoverProcessesOldestFirst(t *testing.T) {
	for _, b := range engineBackends() {
		t.Run(b.name, func(t *testing.T) {
			clk := clock.NewFake(testStart)
			s, _ := b.open(t, models.DirectionInbound, clk)
			testRecoverProcessesOldestFirst(t, s, clk)
		})
	}
}

func testRecoverProcessesOldestFirst(t *testing.T, s store.QueueStore, clk *clock.Fake) {
	ctx := context.Background()

	// Inserted out of order; each in its own session.
	for i, offset := range []int{3, 1, 2} {
		entry := models.QueueEntry{
			ID:         fmt.Sprintf("entry-t%d", offset),
			EnqueuedAt: testStart.Add(time.Duration(offset) * time.Millisecond),
			SessionID:  fmt.Sprintf("session-%d", i),
			Channel:    "telegram",
			Address:    "u1",
			Status:     models.StatusPending,
			MaxRetries: models.DefaultMaxRetries,
		}
		if err := s.Import(ctx, entry); err != nil {
			t.Fatalf("Import failed: %v", err)
		}
	}

	var order []string
	engine := NewEngine(s, WithClock(clk), WithBudget(time.Hour), WithLogger(&recordingLogger{}))
	res, err := engine.Recover(ctx, func(ctx context.Context, e models.QueueEntry) error {
		order = append(order, e.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	want := []string{"entry-t1", "entry-t2", "entry-t3"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("processing order = %v, want %v", order, want)
	}
	if res.Recovered != 3 || res.Failed != 0 || res.Skipped != 0 || res.Deferred != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	sleeps := clk.Sleeps()
	if len(sleeps) != 3 || sleeps[0] != time.Second {
		t.Errorf("expected three 1s backoff waits, got %v", sleeps)
	}
	pending, _ := s.ListPending(ctx)
	if len(pending) != 0 {
		t.Errorf("expected no pending entries, got %d", len(pending))
	}
}

func TestRecoverDefersWhenBudgetExceeded(t *testing.T) {
	for _, b := range engineBackends() {
		t.Run(b.name, func(t *testing.T) {
			clk := clock.NewFake(testStart)
			s, _ := b.open(t, models.DirectionInbound, clk)
			testRecoverDefersWhenBudgetExceeded(t, s, clk)
		})
	}
}

func testRecoverDefersWhenBudgetExceeded(t *testing.T, s store.QueueStore, clk *clock.Fake) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		enqueue(t, s, fmt.Sprintf("session-%d", i), "hi")
		clk.Advance(time.Millisecond)
	}

	logger := &recordingLogger{}
	processed := 0
	process := func(ctx context.Context, e models.QueueEntry) error {
		processed++
		return nil
	}
	// Each fresh inbound entry waits 1s; the third wait would end past the budget.
	engine := NewEngine(s, WithClock(clk), WithBudget(2500*time.Millisecond), WithLogger(logger))
	res, err := engine.Recover(ctx, process)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if res.Recovered != 2 || res.Deferred != 1 {
		t.Errorf("expected 2 recovered and 1 deferred, got %+v", res)
	}
	if len(logger.warns) == 0 {
		t.Error("expected a budget warning")
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("deferred entry should remain pending, got %d entries", len(pending))
	}

	res, err = engine.Recover(ctx, process)
	if err != nil {
		t.Fatalf("second Recover failed: %v", err)
	}
	if res.Recovered != 1 || processed != 3 {
		t.Errorf("second pass should recover the remainder: %+v, processed=%d", res, processed)
	}
}

func TestRecoverWhatsAppScenario(t *testing.T) {
	for _, b := range engineBackends() {
		t.Run(b.name, func(t *testing.T) {
			clk := clock.NewFake(testStart)
			s, _ := b.open(t, models.DirectionInbound, clk)
			testRecoverWhatsAppScenario(t, s, clk)
		})
	}
}

func testRecoverWhatsAppScenario(t *testing.T, s store.QueueStore, clk *clock.Fake) {
	ctx := context.Background()

	res := s.Enqueue(ctx, models.EnqueueParams{
		Channel:   "whatsapp",
		Address:   "+1234567890",
		SessionID: "session-123",
		Body:      "Hello world",
	})
	if !res.Queued || res.ID == "" {
		t.Fatalf("Enqueue failed: %+v", res)
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Body != "Hello world" || pending[0].RetryCount != 0 {
		t.Fatalf("unexpected pending entries: %+v", pending)
	}

	entry, err := s.Fail(ctx, res.ID, "timeout")
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if entry.RetryCount != 1 || entry.LastError != "timeout" {
		t.Errorf("after first fail: retryCount=%d lastError=%q", entry.RetryCount, entry.LastError)
	}
	for i := 0; i < 4; i++ {
		if _, err := s.Fail(ctx, res.ID, "timeout"); err != nil {
			t.Fatalf("Fail %d failed: %v", i+2, err)
		}
	}

	called := false
	result, err := NewEngine(s, WithClock(clk), WithLogger(&recordingLogger{})).Recover(ctx, func(ctx context.Context, e models.QueueEntry) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if called {
		t.Error("exhausted entry must not be processed")
	}
	if result.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", result.Skipped)
	}

	pending, _ = s.ListPending(ctx)
	if len(pending) != 0 {
		t.Errorf("expected empty pending list, got %d", len(pending))
	}
	dead, err := s.ListDeadLetters(ctx, 0)
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(dead) != 1 || dead[0].RetryCount != 5 || dead[0].ID != res.ID {
		t.Errorf("unexpected dead letters: %+v", dead)
	}
}

func TestRecoverFailureKeepsSessionOrder(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(testStart)
	s := newTestStore(t, models.DirectionInbound, clk, nil)
	first := enqueue(t, s, "session-a", "one")
	clk.Advance(time.Millisecond)
	enqueue(t, s, "session-a", "two")

	var seen []string
	res, err := NewEngine(s, WithClock(clk), WithLogger(&recordingLogger{})).Recover(ctx, func(ctx context.Context, e models.QueueEntry) error {
		seen = append(seen, e.Body)
		return errors.New("transport down")
	})
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if res.Failed != 1 || res.Deferred != 1 {
		t.Errorf("expected 1 failed and 1 deferred, got %+v", res)
	}
	if len(seen) != 1 || seen[0] != "one" {
		t.Errorf("later entry of a failed session must wait, saw %v", seen)
	}

	got, err := s.Get(ctx, first)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RetryCount != 1 || got.LastError != "transport down" || got.Status != models.StatusPending {
		t.Errorf("failed entry not rescheduled: %+v", got)
	}
	if locked, _ := s.Locks().IsLocked(ctx, "session-a", models.DirectionInbound); locked {
		t.Error("session lock should be released after a failure")
	}
}

func TestRecoverDefersLockedSession(t *testing.T) {
	for _, b := range engineBackends() {
		t.Run(b.name, func(t *testing.T) {
			clk := clock.NewFake(testStart)
			s, other := b.open(t, models.DirectionOutbound, clk)
			testRecoverDefersLockedSession(t, s, other, clk)
		})
	}
}

func testRecoverDefersLockedSession(t *testing.T, s store.QueueStore, other lock.Manager, clk *clock.Fake) {
	ctx := context.Background()
	enqueue(t, s, "busy", "held elsewhere")

	if ok, err := other.Acquire(ctx, "busy", models.DirectionOutbound, "x"); err != nil || !ok {
		t.Fatalf("other worker failed to take the lock: %v", err)
	}

	res, err := NewEngine(s, WithClock(clk), WithBudget(time.Hour), WithLogger(&recordingLogger{})).Recover(ctx, func(ctx context.Context, e models.QueueEntry) error {
		t.Error("locked session must not be processed")
		return nil
	})
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if res.Deferred != 1 || res.Recovered != 0 {
		t.Errorf("expected the entry to be deferred, got %+v", res)
	}
	pending, _ := s.ListPending(ctx)
	if len(pending) != 1 || pending[0].RetryCount != 0 {
		t.Errorf("deferred entry must be left untouched: %+v", pending)
	}
}

func TestRecoverRenewsLockDuringProcessing(t *testing.T) {
	for _, b := range engineBackends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clk := clock.NewFake(testStart)
			s, other := b.open(t, models.DirectionInbound, clk)
			enqueue(t, s, "slow", "long running")

			var takenOver bool
			engine := NewEngine(s, WithClock(clk), WithBudget(time.Hour), WithLockTTL(lock.DefaultTTL), WithLogger(&recordingLogger{}))
			res, err := engine.Recover(ctx, func(ctx context.Context, e models.QueueEntry) error {
				// Outlive the 30s TTL several times over while holding the session.
				clk.Advance(45 * time.Second)
				ok, err := other.Acquire(ctx, "slow", models.DirectionInbound, "")
				if err != nil {
					t.Errorf("Acquire by second worker failed: %v", err)
				}
				takenOver = ok
				clk.Advance(45 * time.Second)
				return nil
			})
			if err != nil {
				t.Fatalf("Recover failed: %v", err)
			}
			if takenOver {
				t.Error("second worker acquired the session lock mid-processing")
			}
			if res.Recovered != 1 {
				t.Errorf("expected the entry to be recovered, got %+v", res)
			}
			if ok, _ := other.Acquire(ctx, "slow", models.DirectionInbound, ""); !ok {
				t.Error("session lock should be free once the entry is acked")
			}
		})
	}
}

func TestRecoverExhaustedEntryWaitsForSessionLock(t *testing.T) {
	for _, b := range engineBackends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clk := clock.NewFake(testStart)
			s, other := b.open(t, models.DirectionInbound, clk)
			id := enqueue(t, s, "busy", "spent")
			for i := 0; i < models.DefaultMaxRetries; i++ {
				if _, err := s.Fail(ctx, id, "timeout"); err != nil {
					t.Fatalf("Fail failed: %v", err)
				}
			}
			if ok, _ := other.Acquire(ctx, "busy", models.DirectionInbound, id); !ok {
				t.Fatal("second worker failed to take the lock")
			}

			engine := NewEngine(s, WithClock(clk), WithBudget(time.Hour), WithLogger(&recordingLogger{}))
			res, err := engine.Recover(ctx, func(ctx context.Context, e models.QueueEntry) error { return nil })
			if err != nil {
				t.Fatalf("Recover failed: %v", err)
			}
			if res.Skipped != 0 || res.Deferred != 1 {
				t.Errorf("dead letter must wait for the session lock, got %+v", res)
			}
			if _, err := s.Get(ctx, id); err != nil {
				t.Errorf("entry should still be pending: %v", err)
			}

			if err := other.Release(ctx, "busy", models.DirectionInbound); err != nil {
				t.Fatalf("Release failed: %v", err)
			}
			res, err = engine.Recover(ctx, func(ctx context.Context, e models.QueueEntry) error { return nil })
			if err != nil {
				t.Fatalf("second Recover failed: %v", err)
			}
			if res.Skipped != 1 {
				t.Errorf("expected the entry to be dead-lettered, got %+v", res)
			}
			if _, err := s.GetDeadLetter(ctx, id); err != nil {
				t.Errorf("dead letter missing: %v", err)
			}
		})
	}
}

func TestRecoverReportsOutcomes(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(testStart)
	s := newTestStore(t, models.DirectionInbound, clk, nil)
	enqueue(t, s, "s1", "ok")

	obs := &countingObserver{}
	_, err := NewEngine(s, WithClock(clk), WithObserver(obs), WithLogger(&recordingLogger{})).Recover(ctx, func(ctx context.Context, e models.QueueEntry) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if obs.outcomes[OutcomeRecovered] != 1 {
		t.Errorf("expected one recovered outcome, got %v", obs.outcomes)
	}
}

func TestRecoverEmptyQueue(t *testing.T) {
	clk := clock.NewFake(testStart)
	s := newTestStore(t, models.DirectionInbound, clk, nil)
	res, err := NewEngine(s, WithClock(clk)).Recover(context.Background(), func(ctx context.Context, e models.QueueEntry) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if res != (Result{Direction: models.DirectionInbound}) {
		t.Errorf("expected an empty result, got %+v", res)
	}
	if len(clk.Sleeps()) != 0 {
		t.Error("empty queue should not wait")
	}
}

func TestManagerRecoverAll(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(testStart)
	in := newTestStore(t, models.DirectionInbound, clk, nil)
	out := newTestStore(t, models.DirectionOutbound, clk, nil)
	enqueue(t, in, "s1", "in")
	enqueue(t, out, "s1", "out")

	var bodies []string
	process := func(ctx context.Context, e models.QueueEntry) error {
		bodies = append(bodies, string(e.Direction)+":"+e.Body)
		return nil
	}
	m := NewManager(ManagerConfig{}, WithClock(clk), WithBudget(time.Hour), WithLogger(&recordingLogger{}))
	m.Register(in, process)
	m.Register(out, process)

	results, err := m.RecoverAll(ctx)
	if err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}
	if len(results) != 2 || results[0].Recovered != 1 || results[1].Recovered != 1 {
		t.Errorf("unexpected results: %+v", results)
	}
	if fmt.Sprint(bodies) != "[inbound:in outbound:out]" {
		t.Errorf("unexpected processing: %v", bodies)
	}

	if _, err := m.Recover(ctx, models.Direction("sideways")); !errors.Is(err, models.ErrUnknownDirection) {
		t.Errorf("expected ErrUnknownDirection, got %v", err)
	}
}
