/*
scheduler.go - Periodic ledger reconciliation

PURPOSE:
  Runs Engine.Reconcile on an interval so drift between stored accounts and
  their ledgers is noticed without anyone asking. Each pass is recorded as
  an engagement.ReconciliationRun when the store keeps run history.

DESIGN:
  - One background goroutine driven by a ticker
  - Runs once immediately on Start
  - A pass that finds mismatches still completes; mismatches are counted
    and logged, never repaired automatically
  - RunNow is safe to call concurrently with the ticker; passes are
    serialized

USAGE:
  scheduler := NewReconciliationScheduler(engine, store, time.Hour, logger)
  scheduler.Start(ctx)
  defer scheduler.Stop()

SEE ALSO:
  - engagement/engine.go: Reconcile, ReconcileAccount
  - handlers.go: POST /api/reconciliation/run
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/engagement-engine/engagement"
)

// Reconciler is the engine surface the scheduler drives.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]engagement.ReconciliationReport, error)
	Now() time.Time
}

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// ReconciliationScheduler runs reconciliation passes on an interval.
type ReconciliationScheduler struct {
	engine   Reconciler
	runs     engagement.ReconciliationLog // nil when the store keeps no history
	interval time.Duration
	logger   *slog.Logger

	passMu sync.Mutex // serializes passes

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	last   *engagement.ReconciliationRun
}

func NewReconciliationScheduler(engine Reconciler, runs engagement.ReconciliationLog, interval time.Duration, logger *slog.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationScheduler{
		engine:   engine,
		runs:     runs,
		interval: interval,
		logger:   logger.With("component", "reconciliation"),
	}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (rs *ReconciliationScheduler) Start(ctx context.Context) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cancel != nil {
		return
	}
	if rs.interval <= 0 {
		rs.logger.Info("scheduler disabled, interval not set")
		return
	}

	ctx, rs.cancel = context.WithCancel(ctx)
	rs.wg.Add(1)
	go rs.run(ctx)

	rs.logger.Info("scheduler started", "interval", rs.interval)
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	cancel := rs.cancel
	rs.cancel = nil
	rs.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	rs.wg.Wait()
	rs.logger.Info("scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	rs.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			rs.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one pass and returns its record. The error is the
// failure that stopped the pass, if any; it is also stored on the run.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (engagement.ReconciliationRun, error) {
	rs.passMu.Lock()
	defer rs.passMu.Unlock()

	run := engagement.ReconciliationRun{
		ID:        uuid.NewString(),
		StartedAt: rs.engine.Now(),
		Status:    RunRunning,
	}
	rs.save(ctx, run)

	reports, err := rs.engine.Reconcile(ctx)
	run.CompletedAt = rs.engine.Now()
	run.Accounts = len(reports)
	for _, r := range reports {
		if !r.OK() {
			run.Mismatches++
		}
	}

	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
		rs.logger.Error("reconciliation failed", "run", run.ID, "checked", run.Accounts, "error", err)
	} else {
		run.Status = RunCompleted
		level := slog.LevelInfo
		if run.Mismatches > 0 {
			level = slog.LevelWarn
		}
		rs.logger.Log(ctx, level, "reconciliation completed",
			"run", run.ID, "accounts", run.Accounts, "mismatches", run.Mismatches)
	}
	rs.save(ctx, run)

	rs.mu.Lock()
	rs.last = &run
	rs.mu.Unlock()
	return run, err
}

// LastRun returns the most recent pass, if any.
func (rs *ReconciliationScheduler) LastRun() (engagement.ReconciliationRun, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.last == nil {
		return engagement.ReconciliationRun{}, false
	}
	return *rs.last, true
}

// History returns persisted runs, most recent first.
func (rs *ReconciliationScheduler) History(ctx context.Context, limit int) ([]engagement.ReconciliationRun, error) {
	if rs.runs == nil {
		if run, ok := rs.LastRun(); ok {
			return []engagement.ReconciliationRun{run}, nil
		}
		return nil, nil
	}
	return rs.runs.ReconciliationRuns(ctx, limit)
}

func (rs *ReconciliationScheduler) save(ctx context.Context, run engagement.ReconciliationRun) {
	if rs.runs == nil {
		return
	}
	if err := rs.runs.SaveReconciliationRun(context.WithoutCancel(ctx), run); err != nil {
		rs.logger.Error("failed to save reconciliation run", "run", run.ID, "error", err)
	}
}
