package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-settlement-guard/core"
)

// DiscrepancyStore keeps every reconciliation run and its discrepancy records.
// Records are never updated in place: saving a run marks earlier records for
// the same entity keys as superseded.
type DiscrepancyStore struct {
	db    *bun.DB
	runs  repository.Repository[*reconciliationRunRecord]
	items repository.Repository[*discrepancyRecord]
}

func NewDiscrepancyStore(db *bun.DB) (*DiscrepancyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	runs := repository.NewRepository[*reconciliationRunRecord](db, reconciliationRunHandlers())
	if validator, ok := runs.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid reconciliation run repository wiring: %w", err)
		}
	}
	items := repository.NewRepository[*discrepancyRecord](db, discrepancyHandlers())
	if validator, ok := items.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid discrepancy repository wiring: %w", err)
		}
	}
	return &DiscrepancyStore{db: db, runs: runs, items: items}, nil
}

func (s *DiscrepancyStore) SaveReport(ctx context.Context, report core.DiscrepancyReport) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: discrepancy store is not configured")
	}
	report.RunID = strings.TrimSpace(report.RunID)
	if report.RunID == "" {
		report.RunID = uuid.NewString()
	}
	run := runRecordFromReport(report)
	records := make([]*discrepancyRecord, 0, len(report.Discrepancies))
	keys := make([]string, 0, len(report.Discrepancies))
	for i, item := range report.Discrepancies {
		records = append(records, discrepancyRecordFromDomain(report.RunID, i, item))
		keys = append(keys, item.EntityKey)
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := s.runs.CreateTx(ctx, tx, run); err != nil {
			return err
		}
		if len(keys) > 0 {
			if _, err := tx.NewUpdate().
				Model((*discrepancyRecord)(nil)).
				Set("is_current = ?", false).
				Set("superseded_at = ?", run.FinishedAt).
				Where("is_current = ?", true).
				Where("entity_key IN (?)", bun.In(dedupeStrings(keys))).
				Exec(ctx); err != nil {
				return err
			}
		}
		if len(records) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&records).Exec(ctx)
		return err
	})
}

func (s *DiscrepancyStore) LatestReport(ctx context.Context) (core.DiscrepancyReport, bool, error) {
	if s == nil || s.db == nil {
		return core.DiscrepancyReport{}, false, fmt.Errorf("sqlstore: discrepancy store is not configured")
	}
	runs, _, err := s.runs.List(ctx,
		repository.OrderBy("finished_at DESC"),
		repository.OrderBy("created_at DESC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.DiscrepancyReport{}, false, err
	}
	if len(runs) == 0 {
		return core.DiscrepancyReport{}, false, nil
	}
	run := runs[0]

	items, _, err := s.items.List(ctx,
		repository.SelectBy("run_id", "=", run.ID),
		repository.OrderBy("position ASC"),
	)
	if err != nil {
		return core.DiscrepancyReport{}, false, err
	}
	report := run.toReport()
	report.Discrepancies = make([]core.DiscrepancyRecord, 0, len(items))
	for _, item := range items {
		report.Discrepancies = append(report.Discrepancies, item.toDomain())
	}
	core.SortDiscrepancies(report.Discrepancies)
	return report, true, nil
}

// ListDiscrepancies pages through the current record of each entity key.
func (s *DiscrepancyStore) ListDiscrepancies(ctx context.Context, filter core.DiscrepancyFilter) ([]core.DiscrepancyRecord, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, fmt.Errorf("sqlstore: discrepancy store is not configured")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	selectors := []repository.SelectCriteria{
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.is_current = ?", true)
		}),
		repository.OrderBy("entity_key ASC"),
		repository.OrderBy("kind ASC"),
		repository.SelectPaginate(limit, offset),
	}
	if kind := strings.TrimSpace(string(filter.Kind)); kind != "" {
		selectors = append(selectors, repository.SelectBy("kind", "=", kind))
	}
	if key := strings.TrimSpace(filter.EntityKey); key != "" {
		selectors = append(selectors, repository.SelectBy("entity_key", "=", key))
	}
	items, total, err := s.items.List(ctx, selectors...)
	if err != nil {
		return nil, 0, err
	}
	out := make([]core.DiscrepancyRecord, 0, len(items))
	for _, item := range items {
		out = append(out, item.toDomain())
	}
	return out, total, nil
}

func runRecordFromReport(report core.DiscrepancyReport) *reconciliationRunRecord {
	totals := make(map[string]int, len(report.Totals))
	for kind, count := range report.Totals {
		totals[string(kind)] = count
	}
	finishedAt := report.FinishedAt.UTC()
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}
	startedAt := report.StartedAt.UTC()
	if startedAt.IsZero() {
		startedAt = finishedAt
	}
	return &reconciliationRunRecord{
		ID:               report.RunID,
		StartedAt:        startedAt,
		FinishedAt:       finishedAt,
		WindowStart:      report.WindowStart.UTC(),
		WindowEnd:        report.WindowEnd.UTC(),
		OnChainCount:     report.OnChainCount,
		LedgerCount:      report.LedgerCount,
		Matched:          report.Matched,
		Pending:          report.Pending,
		Duplicates:       report.Duplicates,
		DiscrepancyCount: len(report.Discrepancies),
		Totals:           totals,
		CreatedAt:        finishedAt,
	}
}

func discrepancyRecordFromDomain(runID string, position int, item core.DiscrepancyRecord) *discrepancyRecord {
	return &discrepancyRecord{
		ID:            uuid.NewString(),
		RunID:         runID,
		EntityKey:     item.EntityKey,
		Kind:          string(item.Kind),
		EntityKind:    string(item.EntityKind),
		ExpectedState: item.ExpectedState.Clone(),
		ObservedState: item.ObservedState.Clone(),
		Fields:        append([]string(nil), item.Fields...),
		Position:      position,
		Current:       true,
		DetectedAt:    item.DetectedAt.UTC(),
	}
}

func (r *reconciliationRunRecord) toReport() core.DiscrepancyReport {
	totals := make(map[core.DiscrepancyKind]int, len(core.DiscrepancyKinds()))
	for _, kind := range core.DiscrepancyKinds() {
		totals[kind] = 0
	}
	for kind, count := range r.Totals {
		totals[core.DiscrepancyKind(kind)] = count
	}
	return core.DiscrepancyReport{
		RunID:        r.ID,
		StartedAt:    r.StartedAt.UTC(),
		FinishedAt:   r.FinishedAt.UTC(),
		WindowStart:  r.WindowStart.UTC(),
		WindowEnd:    r.WindowEnd.UTC(),
		OnChainCount: r.OnChainCount,
		LedgerCount:  r.LedgerCount,
		Matched:      r.Matched,
		Pending:      r.Pending,
		Duplicates:   r.Duplicates,
		Totals:       totals,
	}
}

func (r *discrepancyRecord) toDomain() core.DiscrepancyRecord {
	var expected, observed core.EntityState
	if len(r.ExpectedState) > 0 {
		expected = core.EntityState(r.ExpectedState).Clone()
	}
	if len(r.ObservedState) > 0 {
		observed = core.EntityState(r.ObservedState).Clone()
	}
	var fields []string
	if len(r.Fields) > 0 {
		fields = append([]string(nil), r.Fields...)
	}
	return core.DiscrepancyRecord{
		EntityKey:     r.EntityKey,
		Kind:          core.DiscrepancyKind(r.Kind),
		EntityKind:    core.EntityKind(r.EntityKind),
		ExpectedState: expected,
		ObservedState: observed,
		Fields:        fields,
		DetectedAt:    r.DetectedAt.UTC(),
	}
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
