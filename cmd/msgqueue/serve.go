package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/MsgQueue/internal/api"
	"github.com/BTreeMap/MsgQueue/internal/metrics"
	"github.com/BTreeMap/MsgQueue/internal/recovery"
	"github.com/BTreeMap/MsgQueue/internal/scheduler"
)

func serveCommand(a *app) *cobra.Command {
	var apiAddr string
	var skipRecovery bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Recover queued entries, then drain both queues and serve the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiAddr != "" {
				a.cfg.API.Addr = apiAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, skipRecovery)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api-addr", "", "admin API address (overrides $MSGQUEUE_API_ADDR)")
	cmd.Flags().BoolVar(&skipRecovery, "skip-recovery", false, "start draining without the startup recovery pass")
	return cmd
}

func (a *app) serve(ctx context.Context, skipRecovery bool) error {
	queues, err := a.openQueues(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := queues.Close(); err != nil {
			slog.Error("serve: failed to close queues", "error", err)
		}
	}()

	qm := metrics.NewQueueMetrics()
	rm := recovery.NewManager(a.cfg.ManagerConfig(), a.recoveryOptions(recovery.WithObserver(qm))...)
	process := a.processFunc()
	for _, q := range queues.All() {
		rm.Register(q, process)
	}

	if !skipRecovery {
		results, err := rm.RecoverAll(ctx)
		for _, r := range results {
			slog.Info("Startup recovery", "direction", r.Direction, "recovered", r.Recovered,
				"failed", r.Failed, "skipped", r.Skipped, "deferred", r.Deferred, "requeued", r.Requeued)
		}
		if err != nil {
			// Entries that could not be recovered stay queued for the drainers.
			slog.Warn("Startup recovery finished with errors", "error", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rm.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		qm.Run(runCtx, queues.All(), a.cfg.API.MetricsInterval)
	}()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := scheduler.RegisterMaintenance(runCtx, sched, a.maintenance(queues)); err != nil {
		cancel()
		wg.Wait()
		return err
	}

	srv := api.NewServer(queues, rm, qm, api.WithDefaultMaxRetries(a.cfg.Queue.MaxRetries))
	slog.Info("MsgQueue running", "backend", a.cfg.Queue.Backend, "workerID", a.cfg.Queue.WorkerID, "apiAddr", a.cfg.API.Addr)
	err = srv.Run(runCtx, a.cfg.API.Addr)
	// A failed listener stops the drainers too.
	cancel()
	wg.Wait()
	slog.Info("MsgQueue exited")
	return err
}
