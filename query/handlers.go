package query

import (
	"context"

	"github.com/goliatone/go-settlement-guard/core"
	"github.com/goliatone/go-settlement-guard/idempotency"
)

type NonceReader interface {
	Lookup(ctx context.Context, source core.Source, nonce string) (core.NonceRecord, bool, error)
}

type IdempotencyReader interface {
	Lookup(ctx context.Context, fp idempotency.Fingerprint) (core.IdempotencyRecord, bool, error)
}

type LatestReportResult struct {
	Report core.DiscrepancyReport
	Found  bool
}

type DiscrepancyPage struct {
	Items []core.DiscrepancyRecord
	Total int
}

type NonceLookupResult struct {
	Record core.NonceRecord
	Found  bool
}

type IdempotencyLookupResult struct {
	Record core.IdempotencyRecord
	Found  bool
	// Conflict is set when a record exists under the key for another payload.
	Conflict bool
}

type LatestReportQuery struct {
	reader core.ReportReader
}

func NewLatestReportQuery(reader core.ReportReader) *LatestReportQuery {
	return &LatestReportQuery{reader: reader}
}

func (q *LatestReportQuery) Query(ctx context.Context, _ LatestReportMessage) (LatestReportResult, error) {
	if q == nil || q.reader == nil {
		return LatestReportResult{}, queryDependencyError("query: report reader is required")
	}
	report, found, err := q.reader.LatestReport(ctx)
	if err != nil {
		return LatestReportResult{}, err
	}
	return LatestReportResult{Report: report, Found: found}, nil
}

type ListDiscrepanciesQuery struct {
	reader core.ReportReader
}

func NewListDiscrepanciesQuery(reader core.ReportReader) *ListDiscrepanciesQuery {
	return &ListDiscrepanciesQuery{reader: reader}
}

func (q *ListDiscrepanciesQuery) Query(ctx context.Context, msg ListDiscrepanciesMessage) (DiscrepancyPage, error) {
	if q == nil || q.reader == nil {
		return DiscrepancyPage{}, queryDependencyError("query: report reader is required")
	}
	if err := msg.Validate(); err != nil {
		return DiscrepancyPage{}, err
	}
	items, total, err := q.reader.ListDiscrepancies(ctx, msg.Filter)
	if err != nil {
		return DiscrepancyPage{}, err
	}
	return DiscrepancyPage{Items: items, Total: total}, nil
}

type LookupNonceQuery struct {
	reader NonceReader
}

func NewLookupNonceQuery(reader NonceReader) *LookupNonceQuery {
	return &LookupNonceQuery{reader: reader}
}

func (q *LookupNonceQuery) Query(ctx context.Context, msg LookupNonceMessage) (NonceLookupResult, error) {
	if q == nil || q.reader == nil {
		return NonceLookupResult{}, queryDependencyError("query: nonce reader is required")
	}
	if err := msg.Validate(); err != nil {
		return NonceLookupResult{}, err
	}
	record, found, err := q.reader.Lookup(ctx, msg.Source, msg.Nonce)
	if err != nil {
		return NonceLookupResult{}, err
	}
	return NonceLookupResult{Record: record, Found: found}, nil
}

type LookupIdempotencyQuery struct {
	reader IdempotencyReader
}

func NewLookupIdempotencyQuery(reader IdempotencyReader) *LookupIdempotencyQuery {
	return &LookupIdempotencyQuery{reader: reader}
}

func (q *LookupIdempotencyQuery) Query(ctx context.Context, msg LookupIdempotencyMessage) (IdempotencyLookupResult, error) {
	if q == nil || q.reader == nil {
		return IdempotencyLookupResult{}, queryDependencyError("query: idempotency reader is required")
	}
	if err := msg.Validate(); err != nil {
		return IdempotencyLookupResult{}, err
	}
	fp := idempotency.NewFingerprint(msg.EndpointID, msg.ActorID, msg.IdempotencyKey, msg.Payload)
	record, found, err := q.reader.Lookup(ctx, fp)
	if err != nil {
		return IdempotencyLookupResult{}, err
	}
	return IdempotencyLookupResult{
		Record:   record,
		Found:    found,
		Conflict: found && record.PayloadHash != fp.PayloadHash,
	}, nil
}
