/*
scheduler.go - Background valve evaluation sweep

PURPOSE:
  Periodically re-evaluates every user's valve decision in the
  background. The poll-driven path already evaluates on every device
  request, but a device that stops polling (power loss, connectivity)
  would otherwise leave its plan bookkeeping frozen: daily buckets
  unrolled, exhausted plans uncompleted. The sweep keeps the persisted
  valve_states and plan records current regardless of device health.

DESIGN:
  - Runs a background goroutine with configurable sweep interval
  - Each tick evaluates all known users through the same Engine the
    HTTP poll uses; no separate code path
  - Evaluate is idempotent, so overlapping with live device polls is
    harmless

CONFIGURATION:
  - Interval: how often to sweep (0 disables the sweeper)

USAGE:
  sweeper := NewValveSweeper(store, engine, logger, 5*time.Minute)
  sweeper.Start()
  // ... on shutdown
  sweeper.Stop()

SEE ALSO:
  - irrigation/engine.go: the evaluation being swept
  - handlers.go: the poll-driven path
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hydronet/valve-engine/irrigation"
)

// ValveSweeper drives periodic background evaluations.
type ValveSweeper struct {
	Users    irrigation.UserStore
	Engine   *irrigation.Engine
	Logger   *zap.Logger
	Interval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewValveSweeper creates a sweeper. An interval of zero disables it.
func NewValveSweeper(users irrigation.UserStore, engine *irrigation.Engine, logger *zap.Logger, interval time.Duration) *ValveSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValveSweeper{
		Users:    users,
		Engine:   engine,
		Logger:   logger,
		Interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the background sweep.
func (vs *ValveSweeper) Start() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.Interval <= 0 {
		vs.Logger.Info("valve sweeper disabled")
		return
	}

	vs.ticker = time.NewTicker(vs.Interval)
	vs.wg.Add(1)
	go vs.run()

	vs.Logger.Info("valve sweeper started", zap.Duration("interval", vs.Interval))
}

// Stop halts the sweep and waits for an in-flight pass to finish.
func (vs *ValveSweeper) Stop() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.ticker != nil {
		vs.ticker.Stop()
		close(vs.stop)
		vs.wg.Wait()
		vs.Logger.Info("valve sweeper stopped")
	}
}

func (vs *ValveSweeper) run() {
	defer vs.wg.Done()

	// Sweep immediately on start so a restart after downtime catches up
	// without waiting a full interval.
	vs.sweep()

	for {
		select {
		case <-vs.ticker.C:
			vs.sweep()
		case <-vs.stop:
			return
		}
	}
}

func (vs *ValveSweeper) sweep() {
	ctx := context.Background()

	ids, err := vs.Users.ListUserIDs(ctx)
	if err != nil {
		vs.Logger.Error("sweep aborted, user listing failed", zap.Error(err))
		return
	}

	closed := 0
	for _, id := range ids {
		d := vs.Engine.Evaluate(ctx, id)
		valveDecisionsTotal.WithLabelValues(string(d.Reason)).Inc()
		if !d.Open {
			closed++
		}
	}

	vs.Logger.Debug("valve sweep complete",
		zap.Int("users", len(ids)),
		zap.Int("closed", closed))
}
