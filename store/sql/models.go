package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type kvEntryRecord struct {
	bun.BaseModel `bun:"table:guard_kv_entries,alias:gkv"`

	Namespace   string    `bun:"namespace,pk"`
	EntryKey    string    `bun:"entry_key,pk"`
	Value       []byte    `bun:"value,notnull"`
	ExpiresAtMS int64     `bun:"expires_at_ms,notnull"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type reconciliationRunRecord struct {
	bun.BaseModel `bun:"table:guard_reconciliation_runs,alias:grr"`

	ID               string         `bun:"id,pk"`
	StartedAt        time.Time      `bun:"started_at,notnull"`
	FinishedAt       time.Time      `bun:"finished_at,notnull"`
	WindowStart      time.Time      `bun:"window_start,notnull"`
	WindowEnd        time.Time      `bun:"window_end,notnull"`
	OnChainCount     int            `bun:"on_chain_count,notnull"`
	LedgerCount      int            `bun:"ledger_count,notnull"`
	Matched          int            `bun:"matched,notnull"`
	Pending          int            `bun:"pending,notnull"`
	Duplicates       int            `bun:"duplicates,notnull"`
	DiscrepancyCount int            `bun:"discrepancy_count,notnull"`
	Totals           map[string]int `bun:"totals,type:jsonb,notnull"`
	CreatedAt        time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type discrepancyRecord struct {
	bun.BaseModel `bun:"table:guard_discrepancies,alias:gd"`

	ID            string            `bun:"id,pk"`
	RunID         string            `bun:"run_id,notnull"`
	EntityKey     string            `bun:"entity_key,notnull"`
	Kind          string            `bun:"kind,notnull"`
	EntityKind    string            `bun:"entity_kind,notnull"`
	ExpectedState map[string]string `bun:"expected_state,type:jsonb"`
	ObservedState map[string]string `bun:"observed_state,type:jsonb"`
	Fields        []string          `bun:"fields,type:jsonb"`
	Position      int               `bun:"position,notnull"`
	Current       bool              `bun:"is_current,notnull"`
	DetectedAt    time.Time         `bun:"detected_at,notnull"`
	SupersededAt  *time.Time        `bun:"superseded_at,nullzero"`
}

type onChainEventRecord struct {
	bun.BaseModel `bun:"table:guard_onchain_events,alias:goe"`

	ID          string            `bun:"id,pk"`
	EventType   string            `bun:"event_type,notnull"`
	TxHash      string            `bun:"tx_hash,notnull"`
	LogIndex    int64             `bun:"log_index,notnull"`
	BlockNumber int64             `bun:"block_number,notnull"`
	ISIN        string            `bun:"isin"`
	FromAddress string            `bun:"from_address"`
	ToAddress   string            `bun:"to_address"`
	Amount      string            `bun:"amount,notnull"`
	Status      string            `bun:"status"`
	Fields      map[string]string `bun:"fields,type:jsonb"`
	ObservedAt  time.Time         `bun:"observed_at,notnull"`
}

type ledgerEntityRecord struct {
	bun.BaseModel `bun:"table:guard_ledger_entities,alias:gle"`

	ID          string            `bun:"id,pk"`
	Kind        string            `bun:"kind,notnull"`
	Reference   string            `bun:"reference"`
	TxHash      string            `bun:"tx_hash"`
	LogIndex    int64             `bun:"log_index,notnull"`
	ISIN        string            `bun:"isin"`
	FromAddress string            `bun:"from_address"`
	ToAddress   string            `bun:"to_address"`
	Amount      string            `bun:"amount,notnull"`
	Status      string            `bun:"status"`
	Fields      map[string]string `bun:"fields,type:jsonb"`
	RecordedAt  time.Time         `bun:"recorded_at,notnull"`
	UpdatedAt   time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
