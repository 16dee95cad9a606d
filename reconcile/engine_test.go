package reconcile

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/goliatone/go-settlement-guard/core"
)

func fixedEngine() *Engine {
	return &Engine{Now: func() time.Time { return time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC) }}
}

func issuanceEvent(tx string, amount int64) core.OnChainEvent {
	return core.OnChainEvent{EventType: core.EntityIssuance, TxHash: tx, Amount: decimal.NewFromInt(amount)}
}

func issuanceRow(id string, tx string, amount int64) core.LedgerEntity {
	return core.LedgerEntity{ID: id, Kind: core.EntityIssuance, TxHash: tx, Amount: decimal.NewFromInt(amount)}
}

func TestReconcile_MissingInLedger(t *testing.T) {
	result := fixedEngine().Reconcile([]core.OnChainEvent{issuanceEvent("0xabc", 100)}, nil)
	if len(result.Discrepancies) != 1 {
		t.Fatalf("expected one discrepancy, got %#v", result.Discrepancies)
	}
	got := result.Discrepancies[0]
	if got.Kind != core.DiscrepancyMissingInLedger || got.EntityKey != "issuance:0xabc:0" {
		t.Fatalf("unexpected discrepancy: %#v", got)
	}
	if got.ObservedState[FieldAmount] != "100" || got.ExpectedState != nil {
		t.Fatalf("unexpected states: %#v", got)
	}
}

func TestReconcile_ValueMismatchCarriesBothAmounts(t *testing.T) {
	result := fixedEngine().Reconcile(
		[]core.OnChainEvent{issuanceEvent("0xabc", 100)},
		[]core.LedgerEntity{issuanceRow("iss-1", "0xABC", 90)},
	)
	if len(result.Discrepancies) != 1 {
		t.Fatalf("expected one discrepancy, got %#v", result.Discrepancies)
	}
	got := result.Discrepancies[0]
	if got.Kind != core.DiscrepancyValueMismatch {
		t.Fatalf("expected value mismatch, got %s", got.Kind)
	}
	if got.ObservedState[FieldAmount] != "100" || got.ExpectedState[FieldAmount] != "90" {
		t.Fatalf("expected both amounts, got expected=%v observed=%v", got.ExpectedState, got.ObservedState)
	}
	if !reflect.DeepEqual(got.Fields, []string{FieldAmount}) {
		t.Fatalf("unexpected fields: %v", got.Fields)
	}
	if !got.DetectedAt.Equal(time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected detected_at: %s", got.DetectedAt)
	}
}

func TestReconcile_ExactMatchIsClean(t *testing.T) {
	event := issuanceEvent("0xabc", 100)
	event.Amount = decimal.RequireFromString("100.00")
	result := fixedEngine().Reconcile(
		[]core.OnChainEvent{event},
		[]core.LedgerEntity{issuanceRow("iss-1", "abc", 100)},
	)
	if len(result.Discrepancies) != 0 {
		t.Fatalf("expected no discrepancies, got %#v", result.Discrepancies)
	}
	if result.Matched != 1 {
		t.Fatalf("expected one match, got %d", result.Matched)
	}
}

func TestReconcile_MissingOnChainAndPending(t *testing.T) {
	result := fixedEngine().Reconcile(nil, []core.LedgerEntity{
		issuanceRow("iss-1", "0xdef", 50),
		issuanceRow("iss-2", "", 75),
	})
	if len(result.Discrepancies) != 1 || result.Discrepancies[0].Kind != core.DiscrepancyMissingOnChain {
		t.Fatalf("expected one missing_on_chain, got %#v", result.Discrepancies)
	}
	if result.Discrepancies[0].ExpectedState[FieldLedger] != "iss-1" {
		t.Fatalf("expected ledger id in state: %#v", result.Discrepancies[0].ExpectedState)
	}
	if result.Pending != 1 {
		t.Fatalf("expected unreferenced row counted as pending, got %d", result.Pending)
	}
}

func TestReconcile_ComparesStatusAndParticipants(t *testing.T) {
	from := "0x52908400098527886e0f7030069857d2e4169ee7"
	event := core.OnChainEvent{
		EventType: core.EntityTransfer,
		TxHash:    "0x01",
		LogIndex:  2,
		ISIN:      "US0378331005",
		From:      from,
		To:        "0x8617e340b3d01fa5f11f306f4090fd50e238070d",
		Amount:    decimal.NewFromInt(5),
		Status:    "settled",
	}
	row := core.LedgerEntity{
		ID:       "set-1",
		Kind:     core.EntitySettlement,
		TxHash:   "0x01",
		LogIndex: 2,
		ISIN:     "us0378331005",
		From:     "0x52908400098527886E0F7030069857D2E4169EE7",
		To:       "0x0000000000000000000000000000000000000001",
		Amount:   decimal.NewFromInt(5),
		Status:   "MATCHED",
	}
	result := fixedEngine().Reconcile([]core.OnChainEvent{event}, []core.LedgerEntity{row})
	if len(result.Discrepancies) != 1 {
		t.Fatalf("expected one discrepancy, got %#v", result.Discrepancies)
	}
	got := result.Discrepancies[0]
	if got.EntityKey != "transfer:0x01:2" || got.EntityKind != core.EntitySettlement {
		t.Fatalf("unexpected key: %#v", got)
	}
	if !reflect.DeepEqual(got.Fields, []string{FieldStatus, FieldTo}) {
		t.Fatalf("expected status and to mismatches, got %v", got.Fields)
	}

	row.Status = ""
	row.To = ""
	result = fixedEngine().Reconcile([]core.OnChainEvent{event}, []core.LedgerEntity{row})
	if len(result.Discrepancies) != 0 {
		t.Fatalf("expected unset ledger fields to be skipped, got %#v", result.Discrepancies)
	}
}

func TestReconcile_DuplicateRowsResolveToLowestID(t *testing.T) {
	result := fixedEngine().Reconcile(
		[]core.OnChainEvent{issuanceEvent("0xabc", 100)},
		[]core.LedgerEntity{issuanceRow("iss-9", "0xabc", 90), issuanceRow("iss-1", "0xabc", 100)},
	)
	if len(result.Discrepancies) != 0 || result.Duplicates != 1 {
		t.Fatalf("expected lowest id to win: %#v duplicates=%d", result.Discrepancies, result.Duplicates)
	}
}

func TestReconcile_SameKeyDuplicatesIgnoreInputOrder(t *testing.T) {
	settled := issuanceEvent("0xabc", 100)
	settled.Status = "SETTLED"
	failed := issuanceEvent("0xabc", 100)
	failed.Status = "FAILED"
	row := issuanceRow("iss-1", "0xabc", 100)
	row.Status = "SETTLED"

	ab := fixedEngine().Reconcile([]core.OnChainEvent{settled, failed}, []core.LedgerEntity{row})
	ba := fixedEngine().Reconcile([]core.OnChainEvent{failed, settled}, []core.LedgerEntity{row})
	if !reflect.DeepEqual(ab, ba) {
		t.Fatalf("expected on-chain duplicates to resolve the same way, got %#v and %#v", ab, ba)
	}

	event := issuanceEvent("0xdef", 100)
	first := issuanceRow("iss-2", "0xdef", 100)
	second := issuanceRow("iss-2", "0xdef", 90)
	forward := fixedEngine().Reconcile([]core.OnChainEvent{event}, []core.LedgerEntity{first, second})
	backward := fixedEngine().Reconcile([]core.OnChainEvent{event}, []core.LedgerEntity{second, first})
	if !reflect.DeepEqual(forward, backward) {
		t.Fatalf("expected ledger duplicates sharing an id to resolve the same way, got %#v and %#v", forward, backward)
	}
	if forward.Duplicates != 1 {
		t.Fatalf("expected one duplicate, got %d", forward.Duplicates)
	}
}

func TestReconcile_KindCaseDoesNotSplitKeys(t *testing.T) {
	row := issuanceRow("iss-1", "0xabc", 100)
	row.Kind = "Issuance"
	result := fixedEngine().Reconcile([]core.OnChainEvent{issuanceEvent("0xabc", 100)}, []core.LedgerEntity{row})
	if len(result.Discrepancies) != 0 || result.Matched != 1 {
		t.Fatalf("expected mixed-case kind to match, got %#v", result.Discrepancies)
	}
	if key := EntityKey(" Settlement ", "0xABC", 1); key != "transfer:0xabc:1" {
		t.Fatalf("unexpected key %q", key)
	}
}

func TestReconcile_OrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("shuffled inputs give identical output", prop.ForAll(
		func(amounts []int64, seed int64) bool {
			events := make([]core.OnChainEvent, 0, len(amounts))
			rows := make([]core.LedgerEntity, 0, len(amounts))
			for i, amount := range amounts {
				tx := "0x" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26))
				if i%3 != 0 {
					events = append(events, issuanceEvent(tx, amount))
				}
				if i%4 != 0 {
					rows = append(rows, issuanceRow(tx, tx, amount+int64(i%2)))
				}
			}
			forward := fixedEngine().Reconcile(events, rows)
			backward := fixedEngine().Reconcile(reverseEvents(events, seed), reverseRows(rows, seed))
			return reflect.DeepEqual(forward, backward)
		},
		gen.SliceOfN(30, gen.Int64Range(0, 1000)),
		gen.Int64Range(0, 10),
	))

	properties.TestingRun(t)
}

func reverseEvents(in []core.OnChainEvent, rotate int64) []core.OnChainEvent {
	out := make([]core.OnChainEvent, len(in))
	for i := range in {
		out[len(in)-1-i] = in[i]
	}
	return rotateSlice(out, rotate)
}

func reverseRows(in []core.LedgerEntity, rotate int64) []core.LedgerEntity {
	out := make([]core.LedgerEntity, len(in))
	for i := range in {
		out[len(in)-1-i] = in[i]
	}
	return rotateSlice(out, rotate)
}

func rotateSlice[T any](in []T, rotate int64) []T {
	if len(in) == 0 {
		return in
	}
	n := int(rotate) % len(in)
	return append(append([]T(nil), in[n:]...), in[:n]...)
}
