package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-settlement-guard/core"
)

// OnChainEventStore is the blockchain-listener view: events are appended once
// per (event_type, tx_hash, log_index) and read back by observation window.
type OnChainEventStore struct {
	db   *bun.DB
	repo repository.Repository[*onChainEventRecord]
}

func NewOnChainEventStore(db *bun.DB) (*OnChainEventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*onChainEventRecord](db, onChainEventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid on-chain event repository wiring: %w", err)
		}
	}
	return &OnChainEventStore{db: db, repo: repo}, nil
}

// Record stores an event; a second delivery of the same event is a no-op.
func (s *OnChainEventStore) Record(ctx context.Context, event core.OnChainEvent) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: on-chain event store is not configured")
	}
	txHash := strings.ToLower(strings.TrimSpace(event.TxHash))
	if txHash == "" || strings.TrimSpace(string(event.EventType)) == "" {
		return false, core.NewBadInput("on-chain event requires event type and tx hash", nil)
	}
	observedAt := event.ObservedAt.UTC()
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}
	record := &onChainEventRecord{
		ID:          uuid.NewString(),
		EventType:   string(event.EventType),
		TxHash:      txHash,
		LogIndex:    int64(event.LogIndex),
		BlockNumber: int64(event.BlockNumber),
		ISIN:        strings.ToUpper(strings.TrimSpace(event.ISIN)),
		FromAddress: strings.TrimSpace(event.From),
		ToAddress:   strings.TrimSpace(event.To),
		Amount:      event.Amount.String(),
		Status:      strings.TrimSpace(event.Status),
		Fields:      copyStringMap(event.Fields),
		ObservedAt:  observedAt,
	}
	res, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (event_type, tx_hash, log_index) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *OnChainEventStore) LoadOnChainEvents(ctx context.Context, from time.Time, to time.Time) ([]core.OnChainEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: on-chain event store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		selectWithin("observed_at", from, to),
		repository.OrderBy("observed_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.OnChainEvent, 0, len(records))
	for _, record := range records {
		event, convErr := record.toDomain()
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, event)
	}
	return out, nil
}

// LedgerEntityStore is the internal ledger view the custodian webhooks keep
// current. Rows are keyed by the business id (settlement or issuance id).
type LedgerEntityStore struct {
	db   *bun.DB
	repo repository.Repository[*ledgerEntityRecord]
	Now  func() time.Time
}

func NewLedgerEntityStore(db *bun.DB) (*LedgerEntityStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*ledgerEntityRecord](db, ledgerEntityHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid ledger entity repository wiring: %w", err)
		}
	}
	return &LedgerEntityStore{db: db, repo: repo, Now: core.SystemClock}, nil
}

// Upsert inserts or replaces a ledger row by id.
func (s *LedgerEntityStore) Upsert(ctx context.Context, entity core.LedgerEntity) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: ledger entity store is not configured")
	}
	entity.ID = strings.TrimSpace(entity.ID)
	if entity.ID == "" || strings.TrimSpace(string(entity.Kind)) == "" {
		return core.NewBadInput("ledger entity requires id and kind", nil)
	}
	now := s.now()
	recordedAt := entity.RecordedAt.UTC()
	if recordedAt.IsZero() {
		recordedAt = now
	}
	record := &ledgerEntityRecord{
		ID:          entity.ID,
		Kind:        string(entity.Kind),
		Reference:   strings.TrimSpace(entity.Reference),
		TxHash:      strings.ToLower(strings.TrimSpace(entity.TxHash)),
		LogIndex:    int64(entity.LogIndex),
		ISIN:        strings.ToUpper(strings.TrimSpace(entity.ISIN)),
		FromAddress: strings.TrimSpace(entity.From),
		ToAddress:   strings.TrimSpace(entity.To),
		Amount:      entity.Amount.String(),
		Status:      strings.TrimSpace(entity.Status),
		Fields:      copyStringMap(entity.Fields),
		RecordedAt:  recordedAt,
		UpdatedAt:   now,
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (id) DO UPDATE").
		Set("kind = EXCLUDED.kind").
		Set("reference = EXCLUDED.reference").
		Set("tx_hash = EXCLUDED.tx_hash").
		Set("log_index = EXCLUDED.log_index").
		Set("isin = EXCLUDED.isin").
		Set("from_address = EXCLUDED.from_address").
		Set("to_address = EXCLUDED.to_address").
		Set("amount = EXCLUDED.amount").
		Set("status = EXCLUDED.status").
		Set("fields = EXCLUDED.fields").
		Set("recorded_at = EXCLUDED.recorded_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// FindByReference returns the ledger row a custodian reference points at.
func (s *LedgerEntityStore) FindByReference(ctx context.Context, reference string) (core.LedgerEntity, bool, error) {
	if s == nil || s.db == nil {
		return core.LedgerEntity{}, false, fmt.Errorf("sqlstore: ledger entity store is not configured")
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return core.LedgerEntity{}, false, nil
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("reference", "=", reference),
		repository.OrderBy("updated_at DESC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.LedgerEntity{}, false, err
	}
	if len(records) == 0 {
		return core.LedgerEntity{}, false, nil
	}
	entity, err := records[0].toDomain()
	if err != nil {
		return core.LedgerEntity{}, false, err
	}
	return entity, true, nil
}

func (s *LedgerEntityStore) LoadLedgerEntities(ctx context.Context, from time.Time, to time.Time) ([]core.LedgerEntity, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: ledger entity store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		selectWithin("recorded_at", from, to),
		repository.OrderBy("id ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.LedgerEntity, 0, len(records))
	for _, record := range records {
		entity, convErr := record.toDomain()
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, entity)
	}
	return out, nil
}

func (s *LedgerEntityStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// selectWithin binds both bounds as time.Time so the dialect formats them the
// same way it wrote the column. String bounds do not compare on sqlite.
func selectWithin(column string, from time.Time, to time.Time) repository.SelectCriteria {
	return repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.
			Where("?TableAlias.? >= ?", bun.Ident(column), from.UTC()).
			Where("?TableAlias.? <= ?", bun.Ident(column), to.UTC())
	})
}

func (r *onChainEventRecord) toDomain() (core.OnChainEvent, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(r.Amount))
	if err != nil {
		return core.OnChainEvent{}, fmt.Errorf("sqlstore: on-chain event %s amount %q: %w", r.ID, r.Amount, err)
	}
	return core.OnChainEvent{
		EventType:   core.EntityKind(r.EventType),
		TxHash:      r.TxHash,
		LogIndex:    uint64(r.LogIndex),
		BlockNumber: uint64(r.BlockNumber),
		ISIN:        r.ISIN,
		From:        r.FromAddress,
		To:          r.ToAddress,
		Amount:      amount,
		Status:      r.Status,
		ObservedAt:  r.ObservedAt.UTC(),
		Fields:      copyStringMap(r.Fields),
	}, nil
}

func (r *ledgerEntityRecord) toDomain() (core.LedgerEntity, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(r.Amount))
	if err != nil {
		return core.LedgerEntity{}, fmt.Errorf("sqlstore: ledger entity %s amount %q: %w", r.ID, r.Amount, err)
	}
	return core.LedgerEntity{
		ID:         r.ID,
		Kind:       core.EntityKind(r.Kind),
		Reference:  r.Reference,
		TxHash:     r.TxHash,
		LogIndex:   uint64(r.LogIndex),
		ISIN:       r.ISIN,
		From:       r.FromAddress,
		To:         r.ToAddress,
		Amount:     amount,
		Status:     r.Status,
		RecordedAt: r.RecordedAt.UTC(),
		Fields:     copyStringMap(r.Fields),
	}, nil
}

func copyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
