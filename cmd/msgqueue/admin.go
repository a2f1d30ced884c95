package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/MsgQueue/internal/lock"
	"github.com/BTreeMap/MsgQueue/internal/models"
	"github.com/BTreeMap/MsgQueue/internal/recovery"
	"github.com/BTreeMap/MsgQueue/internal/store"
)

func recoverCommand(a *app) *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := directions(direction)
			if err != nil {
				return err
			}
			queues, err := a.openQueues(cmd.Context())
			if err != nil {
				return err
			}
			defer queues.Close()

			rm := recovery.NewManager(a.cfg.ManagerConfig(), a.recoveryOptions()...)
			process := a.processFunc()
			for _, dir := range dirs {
				q, _ := queues.Get(dir)
				rm.Register(q, process)
			}
			results, err := rm.RecoverAll(cmd.Context())
			if printErr := printJSON(cmd, results); printErr != nil {
				return printErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "", "inbound, outbound or all (default all)")
	return cmd
}

func statsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print pending, processing and dead-letter counts per direction",
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, err := a.inspectQueues(cmd.Context())
			if err != nil {
				return err
			}
			defer queues.Close()

			out := make([]models.QueueMetrics, 0, 2)
			for _, q := range queues.All() {
				m, err := q.Metrics(cmd.Context())
				if err != nil {
					return err
				}
				out = append(out, m)
			}
			return printJSON(cmd, out)
		},
	}
}

func deadLettersCommand(a *app) *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and manage dead-lettered entries",
	}
	cmd.PersistentFlags().StringVar(&direction, "direction", string(models.DirectionOutbound), "inbound or outbound")

	withQueue := func(cmd *cobra.Command, readOnly bool, fn func(q store.QueueStore) error) error {
		dir, err := models.ParseDirection(direction)
		if err != nil {
			return err
		}
		queues, err := a.connectQueues(cmd.Context(), readOnly)
		if err != nil {
			return err
		}
		defer queues.Close()
		q, _ := queues.Get(dir)
		return fn(q)
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, true, func(q store.QueueStore) error {
				dls, err := q.ListDeadLetters(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, dls)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum entries to print (0 for all)")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, true, func(q store.QueueStore) error {
				dl, err := q.GetDeadLetter(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, dl)
			})
		},
	}

	requeue := &cobra.Command{
		Use:   "requeue <id>...",
		Short: "Move dead letters back to the queue as new pending entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, false, func(q store.QueueStore) error {
				requeued := make(map[string]string, len(args))
				var errs []error
				for _, id := range args {
					newID, err := q.RequeueDeadLetter(cmd.Context(), id)
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", id, err))
						continue
					}
					requeued[id] = newID
				}
				if err := printJSON(cmd, requeued); err != nil {
					return err
				}
				return errors.Join(errs...)
			})
		},
	}

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead letters older than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withQueue(cmd, false, func(q store.QueueStore) error {
				n, err := q.PurgeDeadLetters(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				slog.Info("Purged dead letters", "direction", q.Direction(), "count", n)
				return printJSON(cmd, map[string]int{"purged": n})
			})
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "minimum dead-letter age to delete")

	cmd.AddCommand(list, show, requeue, purge)
	return cmd
}

func locksCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List unexpired session locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSharedLocks(); err != nil {
				return err
			}
			queues, err := a.inspectQueues(cmd.Context())
			if err != nil {
				return err
			}
			defer queues.Close()
			active, err := sharedLocks(queues).ActiveLocks(cmd.Context())
			if err != nil {
				return err
			}
			if active == nil {
				active = []models.ProcessingLock{}
			}
			return printJSON(cmd, active)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired session locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSharedLocks(); err != nil {
				return err
			}
			queues, err := a.inspectQueues(cmd.Context())
			if err != nil {
				return err
			}
			defer queues.Close()
			n, err := sharedLocks(queues).CleanupExpired(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int{"removed": n})
		},
	})
	return cmd
}

// errLocksInServeProcess is returned by the locks commands when the session locks are only
// held in the memory of the process serving the file queues.
var errLocksInServeProcess = errors.New("the file backend keeps session locks in the memory of the serving process")

// requireSharedLocks fails when the lock table cannot be seen from a separate process.
func (a *app) requireSharedLocks() error {
	if a.fileLocksLocal() {
		return fmt.Errorf("%w; query GET /locks on its admin API at %s, or configure Redis locks", errLocksInServeProcess, a.cfg.API.Addr)
	}
	return nil
}

// sharedLocks returns the lock manager both stores were opened with.
func sharedLocks(queues *store.Queues) lock.Manager {
	return queues.Inbound.Locks()
}

func migrateFilesCommand(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate-files",
		Short: "Import the file queues under --state-dir into the configured SQL backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Queue.Backend == string(store.BackendFile) {
				return fmt.Errorf("migrate-files needs a sqlite or postgres backend (set --backend or --dsn)")
			}
			queues, err := a.openQueues(cmd.Context())
			if err != nil {
				return err
			}
			defer queues.Close()

			reports, err := store.ImportFileQueues(cmd.Context(), a.cfg.Queue.StateDir, queues.All(), dryRun)
			if printErr := printJSON(cmd, reports); printErr != nil {
				return printErr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count what would be imported without writing")
	return cmd
}

func vacuumCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim space in the SQLite database after large deletions",
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, err := a.openQueues(cmd.Context())
			if err != nil {
				return err
			}
			defer queues.Close()
			db := queues.DB()
			if db == nil {
				return fmt.Errorf("vacuum needs a SQL backend")
			}
			return db.Vacuum(cmd.Context())
		},
	}
}

func maintenanceCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Run every scheduled maintenance job once and print what each removed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			queues, err := a.openQueues(ctx)
			if err != nil {
				return err
			}
			defer queues.Close()
			m := a.maintenance(queues)

			report := map[string]int{}
			if report["expiredLocks"], err = m.CleanupLocks(ctx); err != nil {
				return err
			}
			if report["deadLettersPurged"], err = m.PurgeDeadLetters(ctx); err != nil {
				return err
			}
			if report["metricsPruned"], err = m.PruneMetrics(ctx); err != nil {
				return err
			}
			if err := m.Vacuum(ctx); err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}
