package command

import (
	"context"
	"time"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-settlement-guard/core"
	"github.com/goliatone/go-settlement-guard/reconcile"
)

type Reconciler interface {
	Run(ctx context.Context, window reconcile.Window) (core.DiscrepancyReport, error)
	RunRecent(ctx context.Context, lookback time.Duration) (core.DiscrepancyReport, error)
}

type ExpiredStatePurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

type OnChainRecorder interface {
	Record(ctx context.Context, event core.OnChainEvent) (bool, error)
}

type LedgerWriter interface {
	Upsert(ctx context.Context, entity core.LedgerEntity) error
}

type PurgeResult struct {
	Removed int
}

type RecordResult struct {
	Inserted bool
}

type RunReconciliationCommand struct {
	reconciler Reconciler
}

func NewRunReconciliationCommand(reconciler Reconciler) *RunReconciliationCommand {
	return &RunReconciliationCommand{reconciler: reconciler}
}

func (c *RunReconciliationCommand) Execute(ctx context.Context, msg RunReconciliationMessage) error {
	if c == nil || c.reconciler == nil {
		return commandDependencyError("command: reconciler is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	var (
		report core.DiscrepancyReport
		err    error
	)
	if msg.explicitWindow() {
		report, err = c.reconciler.Run(ctx, reconcile.Window{Start: msg.WindowStart, End: msg.WindowEnd})
	} else {
		report, err = c.reconciler.RunRecent(ctx, msg.Lookback)
	}
	if err != nil {
		return err
	}
	storeResult(ctx, report)
	return nil
}

// PurgeExpiredCommand sweeps expired nonce and idempotency entries.
type PurgeExpiredCommand struct {
	purger ExpiredStatePurger
}

func NewPurgeExpiredCommand(purger ExpiredStatePurger) *PurgeExpiredCommand {
	return &PurgeExpiredCommand{purger: purger}
}

func (c *PurgeExpiredCommand) Execute(ctx context.Context, _ PurgeExpiredMessage) error {
	if c == nil || c.purger == nil {
		return commandDependencyError("command: expired state purger is required")
	}
	removed, err := c.purger.PurgeExpired(ctx)
	if err != nil {
		return core.NewStoreError(err, "expired state purge failed", nil)
	}
	storeResult(ctx, PurgeResult{Removed: removed})
	return nil
}

type RecordOnChainEventCommand struct {
	recorder OnChainRecorder
}

func NewRecordOnChainEventCommand(recorder OnChainRecorder) *RecordOnChainEventCommand {
	return &RecordOnChainEventCommand{recorder: recorder}
}

func (c *RecordOnChainEventCommand) Execute(ctx context.Context, msg RecordOnChainEventMessage) error {
	if c == nil || c.recorder == nil {
		return commandDependencyError("command: on-chain recorder is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	inserted, err := c.recorder.Record(ctx, msg.Event)
	if err != nil {
		return err
	}
	storeResult(ctx, RecordResult{Inserted: inserted})
	return nil
}

type UpsertLedgerEntityCommand struct {
	writer LedgerWriter
}

func NewUpsertLedgerEntityCommand(writer LedgerWriter) *UpsertLedgerEntityCommand {
	return &UpsertLedgerEntityCommand{writer: writer}
}

func (c *UpsertLedgerEntityCommand) Execute(ctx context.Context, msg UpsertLedgerEntityMessage) error {
	if c == nil || c.writer == nil {
		return commandDependencyError("command: ledger writer is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.writer.Upsert(ctx, msg.Entity)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
