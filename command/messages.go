package command

import (
	"strings"
	"time"

	"github.com/goliatone/go-settlement-guard/core"
)

const (
	TypeRunReconciliation = "guard.command.reconciliation.run"
	TypePurgeExpired      = "guard.command.state.purge"
	TypeRecordOnChain     = "guard.command.onchain_event.record"
	TypeUpsertLedger      = "guard.command.ledger_entity.upsert"
)

// RunReconciliationMessage selects an explicit window when both bounds are
// set; otherwise the run covers Lookback (or the configured window) up to now.
type RunReconciliationMessage struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Lookback    time.Duration
}

func (RunReconciliationMessage) Type() string { return TypeRunReconciliation }

func (m RunReconciliationMessage) Validate() error {
	if m.Lookback < 0 {
		return commandValidationError("lookback", "must not be negative")
	}
	if m.WindowStart.IsZero() != m.WindowEnd.IsZero() {
		return commandValidationError("window", "window_start and window_end must be set together")
	}
	if !m.WindowEnd.IsZero() && !m.WindowEnd.After(m.WindowStart) {
		return commandValidationError("window_end", "must be after window_start")
	}
	return nil
}

func (m RunReconciliationMessage) explicitWindow() bool {
	return !m.WindowStart.IsZero() && !m.WindowEnd.IsZero()
}

type PurgeExpiredMessage struct{}

func (PurgeExpiredMessage) Type() string { return TypePurgeExpired }

func (PurgeExpiredMessage) Validate() error { return nil }

type RecordOnChainEventMessage struct {
	Event core.OnChainEvent
}

func (RecordOnChainEventMessage) Type() string { return TypeRecordOnChain }

func (m RecordOnChainEventMessage) Validate() error {
	if strings.TrimSpace(string(m.Event.EventType)) == "" {
		return commandValidationError("event_type", "is required")
	}
	if strings.TrimSpace(m.Event.TxHash) == "" {
		return commandValidationError("tx_hash", "is required")
	}
	return nil
}

type UpsertLedgerEntityMessage struct {
	Entity core.LedgerEntity
}

func (UpsertLedgerEntityMessage) Type() string { return TypeUpsertLedger }

func (m UpsertLedgerEntityMessage) Validate() error {
	if strings.TrimSpace(m.Entity.ID) == "" {
		return commandValidationError("id", "is required")
	}
	if strings.TrimSpace(string(m.Entity.Kind)) == "" {
		return commandValidationError("kind", "is required")
	}
	return nil
}
