package sqlstore

import (
	"context"
	"fmt"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-settlement-guard/core"
)

const LatestReportCacheKey = "settlement-guard::discrepancy_report::v1::latest"

type reportStore interface {
	core.ReportSink
	core.ReportReader
}

type latestReportEntry struct {
	Report core.DiscrepancyReport `json:"report"`
	Found  bool                   `json:"found"`
}

// CachedReportStore serves the latest report from cache and drops the cached
// copy whenever a new report is saved.
type CachedReportStore struct {
	base  reportStore
	cache repositorycache.CacheService
}

func NewCachedReportStore(base reportStore, cacheService repositorycache.CacheService) (*CachedReportStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base report store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: report cache service is required")
	}
	return &CachedReportStore{base: base, cache: cacheService}, nil
}

func (s *CachedReportStore) SaveReport(ctx context.Context, report core.DiscrepancyReport) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached report store is not configured")
	}
	if err := s.base.SaveReport(ctx, report); err != nil {
		return err
	}
	return s.cache.Delete(ctx, LatestReportCacheKey)
}

func (s *CachedReportStore) LatestReport(ctx context.Context) (core.DiscrepancyReport, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.DiscrepancyReport{}, false, fmt.Errorf("sqlstore: cached report store is not configured")
	}
	entry, err := repositorycache.GetOrFetch(ctx, s.cache, LatestReportCacheKey, func(ctx context.Context) (latestReportEntry, error) {
		report, found, fetchErr := s.base.LatestReport(ctx)
		if fetchErr != nil {
			return latestReportEntry{}, fetchErr
		}
		return latestReportEntry{Report: cloneReport(report), Found: found}, nil
	})
	if err != nil {
		return core.DiscrepancyReport{}, false, err
	}
	return cloneReport(entry.Report), entry.Found, nil
}

func (s *CachedReportStore) ListDiscrepancies(ctx context.Context, filter core.DiscrepancyFilter) ([]core.DiscrepancyRecord, int, error) {
	if s == nil || s.base == nil {
		return nil, 0, fmt.Errorf("sqlstore: cached report store is not configured")
	}
	return s.base.ListDiscrepancies(ctx, filter)
}

func cloneReport(report core.DiscrepancyReport) core.DiscrepancyReport {
	cloned := report
	if report.Totals != nil {
		cloned.Totals = make(map[core.DiscrepancyKind]int, len(report.Totals))
		for kind, count := range report.Totals {
			cloned.Totals[kind] = count
		}
	}
	if report.Discrepancies != nil {
		cloned.Discrepancies = make([]core.DiscrepancyRecord, len(report.Discrepancies))
		for i, record := range report.Discrepancies {
			record.ExpectedState = record.ExpectedState.Clone()
			record.ObservedState = record.ObservedState.Clone()
			record.Fields = append([]string(nil), record.Fields...)
			cloned.Discrepancies[i] = record
		}
	}
	return cloned
}
