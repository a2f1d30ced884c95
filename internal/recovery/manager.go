package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BTreeMap/MsgQueue/internal/models"
	"github.com/BTreeMap/MsgQueue/internal/store"
)

// ManagerConfig holds the drainer settings applied to every registered direction.
type ManagerConfig struct {
	PollInterval time.Duration
	ClaimLimit   int
	LockTTL      time.Duration
}

// Manager orchestrates startup recovery and draining for several directions.
type Manager struct {
	cfg     ManagerConfig
	opts    []Option
	log     Logger
	engines []*Engine
	drains  []*Drainer
	byDir   map[models.Direction]*Engine
	process map[models.Direction]ProcessFunc
}

// NewManager creates a Manager. opts are shared by every engine and drainer it creates.
func NewManager(cfg ManagerConfig, opts ...Option) *Manager {
	return &Manager{
		cfg:     cfg,
		opts:    opts,
		log:     buildOpts(opts).Logger,
		byDir:   make(map[models.Direction]*Engine),
		process: make(map[models.Direction]ProcessFunc),
	}
}

// Register adds a direction with the function that processes its entries.
func (m *Manager) Register(s store.QueueStore, process ProcessFunc) {
	e := NewEngine(s, append([]Option{WithLockTTL(m.cfg.LockTTL)}, m.opts...)...)
	m.engines = append(m.engines, e)
	m.byDir[s.Direction()] = e
	m.process[s.Direction()] = process
	m.drains = append(m.drains, NewDrainer(s, process, m.cfg.PollInterval, m.cfg.ClaimLimit, m.cfg.LockTTL, m.opts...))
}

// Recover runs one recovery pass for dir with its registered ProcessFunc.
func (m *Manager) Recover(ctx context.Context, dir models.Direction) (Result, error) {
	e, ok := m.byDir[dir]
	if !ok {
		return Result{Direction: dir}, fmt.Errorf("%w: %q is not registered", models.ErrUnknownDirection, dir)
	}
	return e.Recover(ctx, m.process[dir])
}

// RecoverAll performs a recovery pass for every registered direction, in registration order.
func (m *Manager) RecoverAll(ctx context.Context) ([]Result, error) {
	m.log.Info("Manager.RecoverAll: starting queue recovery", "directions", len(m.engines))

	results := make([]Result, 0, len(m.engines))
	errorCount := 0
	for _, e := range m.engines {
		res, err := e.Recover(ctx, m.process[e.Direction()])
		results = append(results, res)
		if err != nil {
			m.log.Error("Manager.RecoverAll: direction recovery failed", "error", err, "direction", e.Direction())
			errorCount++
		}
	}

	m.log.Info("Manager.RecoverAll: queue recovery completed", "directions", len(m.engines), "errors", errorCount)
	if errorCount > 0 {
		return results, fmt.Errorf("recovery completed with %d errors out of %d directions", errorCount, len(m.engines))
	}
	return results, nil
}

// Run starts every drainer and blocks until ctx is cancelled and all have stopped.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, d := range m.drains {
		wg.Add(1)
		go func(d *Drainer) {
			defer wg.Done()
			d.Run(ctx)
		}(d)
	}
	wg.Wait()
}
