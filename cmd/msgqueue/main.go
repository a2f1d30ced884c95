// Command msgqueue runs and administers the persistent inbound/outbound message queues.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/BTreeMap/MsgQueue/internal/config"
	"github.com/BTreeMap/MsgQueue/internal/lockfile"
	"github.com/BTreeMap/MsgQueue/internal/logger"
	"github.com/BTreeMap/MsgQueue/internal/models"
	"github.com/BTreeMap/MsgQueue/internal/recovery"
	"github.com/BTreeMap/MsgQueue/internal/scheduler"
	"github.com/BTreeMap/MsgQueue/internal/store"
	"github.com/BTreeMap/MsgQueue/internal/util"
)

// app carries the loaded configuration into every subcommand.
type app struct {
	cfg *config.Config
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	var configFile string

	root := &cobra.Command{
		Use:           "msgqueue",
		Short:         "Persistent inbound/outbound message queues with crash recovery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "YAML configuration file (overrides $MSGQUEUE_CONFIG)")
	flags.String("state-dir", "", "state directory for file queues and the default SQLite database (overrides $MSGQUEUE_STATE_DIR)")
	flags.String("backend", "", "queue backend: file, sqlite or postgres (overrides $MSGQUEUE_BACKEND)")
	flags.String("dsn", "", "SQLite path or PostgreSQL DSN (overrides $MSGQUEUE_DSN or $DATABASE_URL)")
	flags.String("worker-id", "", "worker identity recorded on session locks (overrides $MSGQUEUE_WORKER_ID)")
	flags.String("log-level", "", "log level: debug, info, warn or error (overrides $MSGQUEUE_LOG_LEVEL)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if err := applyFlags(cmd, cfg); err != nil {
			return err
		}
		if cfg.Queue.WorkerID == "" {
			cfg.Queue.WorkerID = util.NewWorkerID(time.Now())
		}
		logger.Init(cfg.LoggerConfig())
		a.cfg = cfg
		return nil
	}

	root.AddCommand(
		serveCommand(a),
		recoverCommand(a),
		statsCommand(a),
		deadLettersCommand(a),
		locksCommand(a),
		migrateFilesCommand(a),
		vacuumCommand(a),
		maintenanceCommand(a),
	)
	return root
}

// applyFlags copies explicitly set persistent flags over the loaded configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	set := func(name string, dst *string) {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	set("state-dir", &cfg.Queue.StateDir)
	set("dsn", &cfg.Queue.DSN)
	set("worker-id", &cfg.Queue.WorkerID)
	set("log-level", &cfg.Logging.Level)
	if f := cmd.Flags().Lookup("backend"); f != nil && f.Changed {
		cfg.Queue.Backend = f.Value.String()
	} else if f := cmd.Flags().Lookup("dsn"); f != nil && f.Changed {
		// Re-detect from the new DSN.
		cfg.Queue.Backend = ""
	}
	return cfg.Resolve()
}

// openQueues opens both stores, with Redis-held locks when a Redis address is configured.
func (a *app) openQueues(ctx context.Context) (*store.Queues, error) {
	return a.connectQueues(ctx, false)
}

// inspectQueues opens both stores for reading only, so inspection works while serve owns
// the file queues.
func (a *app) inspectQueues(ctx context.Context) (*store.Queues, error) {
	return a.connectQueues(ctx, true)
}

func (a *app) connectQueues(ctx context.Context, readOnly bool) (*store.Queues, error) {
	sc := a.cfg.StoreConfig()
	sc.ReadOnly = readOnly
	if a.cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		sc.Redis = client
	}
	slog.Debug("app.connectQueues: opening queues", "backend", sc.Backend, "stateDir", sc.StateDir, "workerID", sc.WorkerID, "readOnly", sc.ReadOnly)
	queues, err := store.OpenQueues(ctx, sc)
	var lockErr *lockfile.LockError
	if errors.As(err, &lockErr) {
		return nil, fmt.Errorf("%w; while serve is running use its admin API at %s", err, a.cfg.API.Addr)
	}
	return queues, err
}

// fileLocksLocal reports whether session locks live only in the memory of the serving process.
func (a *app) fileLocksLocal() bool {
	return a.cfg.Queue.Backend == string(store.BackendFile) && a.cfg.Redis.Addr == ""
}

// processFunc returns the host callback: the configured webhook, or a logger when none is set.
func (a *app) processFunc() recovery.ProcessFunc {
	if url := a.cfg.Recovery.WebhookURL; url != "" {
		slog.Info("Using webhook processor", "url", url)
		return recovery.WebhookProcessFunc(&http.Client{Timeout: a.cfg.Recovery.WebhookTimeout}, url)
	}
	slog.Warn("No MSGQUEUE_WEBHOOK_URL set; entries will be logged and acknowledged")
	return recovery.LogProcessFunc(slog.Default())
}

// maintenance returns the scheduled maintenance tasks for queues.
func (a *app) maintenance(queues *store.Queues) scheduler.Maintenance {
	return scheduler.Maintenance{
		Queues:              queues.All(),
		DB:                  queues.DB(),
		DeadLetterRetention: a.cfg.Maintenance.DeadLetterRetention,
		MetricsRetention:    a.cfg.Maintenance.MetricsRetention,
	}
}

func (a *app) recoveryOptions(extra ...recovery.Option) []recovery.Option {
	opts := []recovery.Option{
		recovery.WithLogger(slog.Default()),
		recovery.WithBudget(a.cfg.Recovery.Budget),
		recovery.WithStaleAfter(a.cfg.Recovery.StaleAfter),
	}
	return append(opts, extra...)
}

// directions parses --direction, where empty means both.
func directions(raw string) ([]models.Direction, error) {
	if raw == "" || raw == "all" {
		return models.Directions, nil
	}
	dir, err := models.ParseDirection(raw)
	if err != nil {
		return nil, err
	}
	return []models.Direction{dir}, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
