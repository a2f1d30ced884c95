// Package metrics exports queue depth and recovery outcomes to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/MsgQueue/internal/models"
	"github.com/BTreeMap/MsgQueue/internal/recovery"
	"github.com/BTreeMap/MsgQueue/internal/store"
)

// DefaultCollectInterval is how often queue gauges are refreshed.
const DefaultCollectInterval = 10 * time.Second

// snapshotRecorder is implemented by stores that persist metrics snapshots.
type snapshotRecorder interface {
	RecordMetrics(ctx context.Context) (models.QueueMetrics, error)
}

// QueueMetrics holds the collectors for every queue direction.
type QueueMetrics struct {
	OutcomeTotal     *prometheus.CounterVec
	ProcessDuration  *prometheus.HistogramVec
	PendingDepth     *prometheus.GaugeVec
	ProcessingDepth  *prometheus.GaugeVec
	DeadLetterDepth  *prometheus.GaugeVec
	OldestPendingAge *prometheus.GaugeVec
	ActiveLocks      prometheus.Gauge

	registry *prometheus.Registry
	now      func() time.Time
}

var _ recovery.Observer = (*QueueMetrics)(nil)

// NewQueueMetrics creates the collectors and registers them on a private registry.
func NewQueueMetrics() *QueueMetrics {
	m := &QueueMetrics{
		OutcomeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgqueue_entry_outcomes_total",
				Help: "Processing attempts by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
		ProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "msgqueue_process_duration_seconds",
				Help:    "Time spent in the processing callback per attempt",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"direction"},
		),
		PendingDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "msgqueue_pending_entries",
				Help: "Entries waiting to be processed",
			},
			[]string{"direction"},
		),
		ProcessingDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "msgqueue_processing_entries",
				Help: "Entries claimed by a worker",
			},
			[]string{"direction"},
		),
		DeadLetterDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "msgqueue_dead_letter_entries",
				Help: "Entries in the dead-letter store",
			},
			[]string{"direction"},
		),
		OldestPendingAge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "msgqueue_oldest_pending_age_seconds",
				Help: "Age of the oldest pending entry (0 when empty)",
			},
			[]string{"direction"},
		),
		ActiveLocks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "msgqueue_active_session_locks",
				Help: "Unexpired session locks across directions",
			},
		),
		registry: prometheus.NewRegistry(),
		now:      time.Now,
	}

	m.registry.MustRegister(
		m.OutcomeTotal,
		m.ProcessDuration,
		m.PendingDepth,
		m.ProcessingDepth,
		m.DeadLetterDepth,
		m.OldestPendingAge,
		m.ActiveLocks,
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *QueueMetrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *QueueMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOutcome implements recovery.Observer. Deferred entries were never attempted, so
// they carry no duration.
func (m *QueueMetrics) ObserveOutcome(dir models.Direction, outcome recovery.Outcome, elapsed time.Duration) {
	m.OutcomeTotal.WithLabelValues(string(dir), string(outcome)).Inc()
	if outcome != recovery.OutcomeDeferred && elapsed > 0 {
		m.ProcessDuration.WithLabelValues(string(dir)).Observe(elapsed.Seconds())
	}
}

// Collect refreshes the depth gauges from each store. Stores that persist snapshots record
// one as a side effect. Lock managers shared between stores are counted once.
func (m *QueueMetrics) Collect(ctx context.Context, queues []store.QueueStore) error {
	seen := make(map[any]bool)
	locks := 0
	for _, q := range queues {
		var (
			qm  models.QueueMetrics
			err error
		)
		if rec, ok := q.(snapshotRecorder); ok {
			qm, err = rec.RecordMetrics(ctx)
		} else {
			qm, err = q.Metrics(ctx)
		}
		if err != nil {
			slog.Error("QueueMetrics.Collect: metrics failed", "error", err, "direction", q.Direction())
			return err
		}
		m.Set(qm)

		lm := q.Locks()
		if seen[lm] {
			continue
		}
		seen[lm] = true
		active, err := lm.ActiveLocks(ctx)
		if err != nil {
			slog.Warn("QueueMetrics.Collect: lock listing failed", "error", err, "direction", q.Direction())
			continue
		}
		locks += len(active)
	}
	m.ActiveLocks.Set(float64(locks))
	return nil
}

// Set copies one direction's metrics into the gauges.
func (m *QueueMetrics) Set(qm models.QueueMetrics) {
	dir := string(qm.Direction)
	m.PendingDepth.WithLabelValues(dir).Set(float64(qm.Pending))
	m.ProcessingDepth.WithLabelValues(dir).Set(float64(qm.Processing))
	m.DeadLetterDepth.WithLabelValues(dir).Set(float64(qm.DeadLetter))
	age := 0.0
	if !qm.OldestPendingAt.IsZero() {
		age = m.now().Sub(qm.OldestPendingAt).Seconds()
	}
	m.OldestPendingAge.WithLabelValues(dir).Set(age)
}

// Run collects every interval until ctx is done.
func (m *QueueMetrics) Run(ctx context.Context, queues []store.QueueStore, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := m.Collect(ctx, queues); err != nil {
		slog.Warn("QueueMetrics.Run: initial collection failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("QueueMetrics.Run: metrics collection shutting down")
			return
		case <-ticker.C:
			if err := m.Collect(ctx, queues); err != nil {
				slog.Warn("QueueMetrics.Run: collection failed", "error", err)
			}
		}
	}
}
