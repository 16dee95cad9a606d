package query

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-settlement-guard/core"
	"github.com/goliatone/go-settlement-guard/idempotency"
)

type stubReportReader struct {
	report core.DiscrepancyReport
	found  bool
	items  []core.DiscrepancyRecord
	filter core.DiscrepancyFilter
}

func (s *stubReportReader) LatestReport(context.Context) (core.DiscrepancyReport, bool, error) {
	return s.report, s.found, nil
}

func (s *stubReportReader) ListDiscrepancies(_ context.Context, filter core.DiscrepancyFilter) ([]core.DiscrepancyRecord, int, error) {
	s.filter = filter
	return s.items, len(s.items), nil
}

func TestLatestReportQuery(t *testing.T) {
	reader := &stubReportReader{}
	q := NewLatestReportQuery(reader)

	result, err := q.Query(context.Background(), LatestReportMessage{})
	if err != nil || result.Found {
		t.Fatalf("expected no report, got %#v err=%v", result, err)
	}
	reader.report = core.DiscrepancyReport{RunID: "run-9"}
	reader.found = true
	result, err = q.Query(context.Background(), LatestReportMessage{})
	if err != nil || !result.Found || result.Report.RunID != "run-9" {
		t.Fatalf("expected run-9, got %#v err=%v", result, err)
	}
}

func TestListDiscrepanciesQuery_ValidatesFilter(t *testing.T) {
	reader := &stubReportReader{items: []core.DiscrepancyRecord{{EntityKey: "transfer:0xabc:1", Kind: core.DiscrepancyMissingOnChain}}}
	q := NewListDiscrepanciesQuery(reader)

	page, err := q.Query(context.Background(), ListDiscrepanciesMessage{Filter: core.DiscrepancyFilter{Kind: core.DiscrepancyMissingOnChain, Limit: 20}})
	if err != nil || page.Total != 1 || reader.filter.Limit != 20 {
		t.Fatalf("unexpected page %#v err=%v filter=%#v", page, err, reader.filter)
	}
	if _, err := q.Query(context.Background(), ListDiscrepanciesMessage{Filter: core.DiscrepancyFilter{Kind: "drift"}}); err == nil {
		t.Fatalf("expected unknown kind to be rejected")
	}
	if _, err := q.Query(context.Background(), ListDiscrepanciesMessage{Filter: core.DiscrepancyFilter{Limit: 501}}); err == nil {
		t.Fatalf("expected oversized page to be rejected")
	}
}

func TestLookupNonceQuery_ReadsLedger(t *testing.T) {
	now := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	ledger := core.NewNonceLedger(core.NewMemoryConditionalStore(), 0, 0)
	ledger.Now = func() time.Time { return now }
	if _, err := ledger.CheckAndRecord(context.Background(), core.SourceClearstream, "n-7", 0); err != nil {
		t.Fatalf("record nonce: %v", err)
	}

	q := NewLookupNonceQuery(ledger)
	result, err := q.Query(context.Background(), LookupNonceMessage{Source: core.SourceClearstream, Nonce: "n-7"})
	if err != nil || !result.Found {
		t.Fatalf("expected nonce record, got %#v err=%v", result, err)
	}
	if !result.Record.FirstSeenAt.Equal(now) {
		t.Fatalf("expected first seen at %s, got %s", now, result.Record.FirstSeenAt)
	}
	if _, err := q.Query(context.Background(), LookupNonceMessage{Source: "dtcc", Nonce: "n-7"}); err == nil {
		t.Fatalf("expected unknown source to be rejected")
	}
}

func TestLookupIdempotencyQuery_ReportsConflict(t *testing.T) {
	cache := idempotency.NewCache(core.NewMemoryConditionalStore())
	fp := idempotency.NewFingerprint("settlement.create", "desk-1", "key-1", []byte(`{"amount":"100"}`))
	_, _, err := cache.Execute(context.Background(), fp, func(context.Context) (core.ResponseEnvelope, error) {
		return core.ResponseEnvelope{StatusCode: 201}, nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	q := NewLookupIdempotencyQuery(cache)
	same, err := q.Query(context.Background(), LookupIdempotencyMessage{
		EndpointID: "settlement.create", ActorID: "desk-1", IdempotencyKey: "key-1", Payload: []byte(`{"amount":"100"}`),
	})
	if err != nil || !same.Found || same.Conflict || same.Record.Status != core.IdempotencyCompleted {
		t.Fatalf("expected completed record without conflict, got %#v err=%v", same, err)
	}
	other, err := q.Query(context.Background(), LookupIdempotencyMessage{
		EndpointID: "settlement.create", ActorID: "desk-1", IdempotencyKey: "key-1", Payload: []byte(`{"amount":"90"}`),
	})
	if err != nil || !other.Found || !other.Conflict {
		t.Fatalf("expected conflicting payload to be flagged, got %#v err=%v", other, err)
	}
}
