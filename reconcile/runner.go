package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-settlement-guard/core"
)

// Runner loads both snapshots for a window, reconciles them, and hands the
// report to the sink. Mismatches are output; only unreadable snapshots fail.
type Runner struct {
	OnChain  core.OnChainSource
	Ledger   core.LedgerSource
	Sink     core.ReportSink
	Engine   *Engine
	Reporter *Reporter
	Observer *core.Observer
	Now      func() time.Time
}

func NewRunner(onChain core.OnChainSource, ledger core.LedgerSource, sink core.ReportSink) *Runner {
	return &Runner{
		OnChain:  onChain,
		Ledger:   ledger,
		Sink:     sink,
		Engine:   NewEngine(),
		Reporter: NewReporter(),
		Observer: core.NewObserver("reconcile", nil, nil, nil),
		Now:      core.SystemClock,
	}
}

func (r *Runner) Run(ctx context.Context, window Window) (report core.DiscrepancyReport, err error) {
	if r == nil || r.OnChain == nil || r.Ledger == nil {
		return core.DiscrepancyReport{}, fmt.Errorf("reconcile: runner requires on-chain and ledger sources")
	}
	if !window.Valid() {
		return core.DiscrepancyReport{}, core.NewBadInput("reconciliation window is invalid", map[string]any{
			"window_start": window.Start,
			"window_end":   window.End,
		})
	}
	startedAt := r.now()
	observeStart := time.Now()
	defer func() {
		fields := map[string]any{
			"run_id":        report.RunID,
			"discrepancies": len(report.Discrepancies),
		}
		r.observer().Observe(ctx, observeStart, "reconciliation_run", err, fields)
	}()

	events, err := r.OnChain.LoadOnChainEvents(ctx, window.Start, window.End)
	if err != nil {
		return core.DiscrepancyReport{}, core.NewSnapshotError(err, "on_chain")
	}
	entities, err := r.Ledger.LoadLedgerEntities(ctx, window.Start, window.End)
	if err != nil {
		return core.DiscrepancyReport{}, core.NewSnapshotError(err, "ledger")
	}

	engine := r.Engine
	if engine == nil {
		engine = &Engine{Now: r.Now}
	}
	reporter := r.Reporter
	if reporter == nil {
		reporter = &Reporter{Now: r.Now}
	}
	report = reporter.Build(engine.Reconcile(events, entities), window, startedAt)

	if r.Sink != nil {
		if err = r.Sink.SaveReport(ctx, report); err != nil {
			return report, core.NewStoreError(err, "discrepancy report could not be saved", map[string]any{
				"run_id": report.RunID,
			})
		}
	}
	return report, nil
}

// RunRecent reconciles the window ending now.
func (r *Runner) RunRecent(ctx context.Context, lookback time.Duration) (core.DiscrepancyReport, error) {
	if lookback <= 0 {
		lookback = time.Duration(core.DefaultConfig().Reconciliation.WindowSeconds) * time.Second
	}
	return r.Run(ctx, RecentWindow(r.now(), lookback))
}

// Schedule runs RunRecent every interval until ctx is done. Failed runs are
// logged and the schedule continues.
func (r *Runner) Schedule(ctx context.Context, interval time.Duration, lookback time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reconcile: schedule interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunRecent(ctx, lookback); err != nil {
				r.observer().Log(ctx, "error", "scheduled reconciliation failed", map[string]any{
					"error": err.Error(),
				})
			}
		}
	}
}

func (r *Runner) observer() *core.Observer {
	if r != nil && r.Observer != nil {
		return r.Observer
	}
	return core.NewObserver("reconcile", nil, nil, nil)
}

func (r *Runner) now() time.Time {
	if r != nil && r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}
