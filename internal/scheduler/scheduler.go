// Package scheduler runs periodic queue maintenance on cron schedules.
//
// Maintenance covers expired lock cleanup, dead-letter retention, metrics snapshot pruning
// and SQLite vacuuming. Each task is also callable directly.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/MsgQueue/internal/clock"
	"github.com/BTreeMap/MsgQueue/internal/lock"
	"github.com/BTreeMap/MsgQueue/internal/store"
)

// Default maintenance schedules.
const (
	LockCleanupSchedule     = "@every 1m"
	MetricsPruneSchedule    = "@hourly"
	DeadLetterPurgeSchedule = "@daily"
	VacuumSchedule          = "@weekly"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron plus @every/@daily descriptors; panics in jobs are recovered.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// metricsPruner is implemented by stores that persist metrics snapshots.
type metricsPruner interface {
	PruneMetrics(ctx context.Context, olderThan time.Time) (int, error)
}

// Maintenance holds the queues and retention settings the maintenance tasks act on.
type Maintenance struct {
	Queues []store.QueueStore
	// DB is nil for the file backend, which disables Vacuum.
	DB *store.DB
	// DeadLetterRetention of zero keeps dead letters forever.
	DeadLetterRetention time.Duration
	// MetricsRetention of zero keeps every snapshot.
	MetricsRetention time.Duration
	Clock            clock.Clock
}

func (m Maintenance) now() time.Time {
	if m.Clock == nil {
		return time.Now()
	}
	return m.Clock.Now()
}

// CleanupLocks deletes expired locks from every distinct lock manager.
func (m Maintenance) CleanupLocks(ctx context.Context) (int, error) {
	seen := make(map[lock.Manager]bool)
	total := 0
	for _, q := range m.Queues {
		lm := q.Locks()
		if seen[lm] {
			continue
		}
		seen[lm] = true
		n, err := lm.CleanupExpired(ctx)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// PurgeDeadLetters deletes dead letters older than the retention.
func (m Maintenance) PurgeDeadLetters(ctx context.Context) (int, error) {
	if m.DeadLetterRetention <= 0 {
		return 0, nil
	}
	cutoff := m.now().Add(-m.DeadLetterRetention)
	total := 0
	for _, q := range m.Queues {
		n, err := q.PurgeDeadLetters(ctx, cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// PruneMetrics deletes stored metrics snapshots older than the retention.
func (m Maintenance) PruneMetrics(ctx context.Context) (int, error) {
	if m.MetricsRetention <= 0 {
		return 0, nil
	}
	cutoff := m.now().Add(-m.MetricsRetention)
	total := 0
	for _, q := range m.Queues {
		p, ok := q.(metricsPruner)
		if !ok {
			continue
		}
		n, err := p.PruneMetrics(ctx, cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Vacuum compacts the SQLite database. It does nothing for other backends.
func (m Maintenance) Vacuum(ctx context.Context) error {
	if m.DB == nil {
		return nil
	}
	return m.DB.Vacuum(ctx)
}

// RegisterMaintenance schedules every maintenance task on s. Jobs run with ctx and stop
// doing work once it is cancelled.
func RegisterMaintenance(ctx context.Context, s *Scheduler, m Maintenance) error {
	jobs := []struct {
		name string
		expr string
		run  func(context.Context) (int, error)
	}{
		{"lock cleanup", LockCleanupSchedule, m.CleanupLocks},
		{"metrics prune", MetricsPruneSchedule, m.PruneMetrics},
		{"dead-letter purge", DeadLetterPurgeSchedule, m.PurgeDeadLetters},
		{"vacuum", VacuumSchedule, func(ctx context.Context) (int, error) { return 0, m.Vacuum(ctx) }},
	}
	for _, job := range jobs {
		job := job
		err := s.AddJob(job.expr, func() {
			if ctx.Err() != nil {
				return
			}
			n, err := job.run(ctx)
			if err != nil {
				slog.Error("Scheduler: maintenance job failed", "job", job.name, "error", err)
				return
			}
			slog.Debug("Scheduler: maintenance job done", "job", job.name, "affected", n)
		})
		if err != nil {
			return err
		}
	}
	slog.Info("Scheduler: maintenance registered", "jobs", len(jobs),
		"deadLetterRetention", m.DeadLetterRetention, "metricsRetention", m.MetricsRetention)
	return nil
}
