package reconcile

import (
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-settlement-guard/core"
)

type Window struct {
	Start time.Time
	End   time.Time
}

// RecentWindow ends at now and reaches back by lookback.
func RecentWindow(now time.Time, lookback time.Duration) Window {
	now = now.UTC()
	return Window{Start: now.Add(-lookback), End: now}
}

func (w Window) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && w.Start.Before(w.End)
}

// Reporter turns engine output into the report handed to the reporting
// collaborator.
type Reporter struct {
	Now   func() time.Time
	NewID func() string
}

func NewReporter() *Reporter {
	return &Reporter{
		Now:   core.SystemClock,
		NewID: uuid.NewString,
	}
}

func (r *Reporter) Build(result core.ReconciliationResult, window Window, startedAt time.Time) core.DiscrepancyReport {
	totals := make(map[core.DiscrepancyKind]int, len(core.DiscrepancyKinds()))
	for _, kind := range core.DiscrepancyKinds() {
		totals[kind] = 0
	}
	records := make([]core.DiscrepancyRecord, len(result.Discrepancies))
	for i, record := range result.Discrepancies {
		record.ExpectedState = record.ExpectedState.Clone()
		record.ObservedState = record.ObservedState.Clone()
		record.Fields = append([]string(nil), record.Fields...)
		records[i] = record
		totals[record.Kind]++
	}
	core.SortDiscrepancies(records)

	return core.DiscrepancyReport{
		RunID:         r.newID(),
		StartedAt:     startedAt.UTC(),
		FinishedAt:    r.now(),
		WindowStart:   window.Start.UTC(),
		WindowEnd:     window.End.UTC(),
		OnChainCount:  result.OnChainCount,
		LedgerCount:   result.LedgerCount,
		Matched:       result.Matched,
		Pending:       result.Pending,
		Duplicates:    result.Duplicates,
		Totals:        totals,
		Discrepancies: records,
	}
}

func (r *Reporter) now() time.Time {
	if r != nil && r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reporter) newID() string {
	if r != nil && r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}
