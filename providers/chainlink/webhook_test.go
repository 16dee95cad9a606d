package chainlink

import (
	"testing"
	"time"

	"github.com/goliatone/go-settlement-guard/core"
)

func TestDecode_OracleResponseDefaults(t *testing.T) {
	report, err := Decode([]byte(`{"requestId":"req-1","data":{"result":42}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.EventType() != EventOracleResponse || report.Reference() != "req-1" {
		t.Fatalf("unexpected report: %#v", report)
	}
	if _, ok := report.OnChainEvent(time.Now()); ok {
		t.Fatalf("expected oracle response to have no on-chain projection")
	}
}

func TestDecode_PriceUpdate(t *testing.T) {
	report, err := Decode([]byte(`{
		"requestId": "req-2",
		"data": {"event": "price_update", "feed": "EUR/USD", "answer": "1.0842150", "roundId": "18446744073709562301", "updatedAt": "2026-02-20T12:00:00Z"}
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Feed != "EUR/USD" || report.Answer.String() != "1.084215" {
		t.Fatalf("unexpected price report: feed=%q answer=%s", report.Feed, report.Answer)
	}
	if !report.UpdatedAt.Equal(time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected updatedAt %s", report.UpdatedAt)
	}
}

func TestDecode_IssuanceProjectsOnChainEvent(t *testing.T) {
	report, err := Decode([]byte(`{
		"requestId": "req-3",
		"data": {
			"event": "issuance",
			"txHash": "0xABC0000000000000000000000000000000000000000000000000000000000000",
			"logIndex": 2,
			"blockNumber": 19000001,
			"isin": "us0378331005",
			"investor": "0x52908400098527886e0f7030069857d2e4169ee7",
			"amount": "100"
		}
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	observedAt := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	event, ok := report.OnChainEvent(observedAt)
	if !ok {
		t.Fatalf("expected on-chain projection")
	}
	if event.EventType != core.EntityIssuance || event.LogIndex != 2 || event.BlockNumber != 19000001 {
		t.Fatalf("unexpected event: %#v", event)
	}
	if event.TxHash != "0xabc0000000000000000000000000000000000000000000000000000000000000" {
		t.Fatalf("expected lower-case normalized hash, got %q", event.TxHash)
	}
	if event.To != "0x52908400098527886E0F7030069857D2E4169EE7" {
		t.Fatalf("expected checksummed investor address, got %q", event.To)
	}
	if event.ISIN != "US0378331005" || event.Amount.String() != "100" {
		t.Fatalf("unexpected isin/amount: %q %s", event.ISIN, event.Amount)
	}
}

func TestDecode_Rejections(t *testing.T) {
	cases := map[string]string{
		"missing request id": `{"data":{}}`,
		"unknown event":      `{"requestId":"r","data":{"event":"mint_nft"}}`,
		"price without feed": `{"requestId":"r","data":{"event":"price_update","answer":"1"}}`,
		"bad answer":         `{"requestId":"r","data":{"event":"price_update","feed":"X","answer":"n/a"}}`,
		"short tx hash":      `{"requestId":"r","data":{"event":"transfer","txHash":"0x12","amount":"1"}}`,
		"bad address":        `{"requestId":"r","data":{"event":"transfer","txHash":"0x0000000000000000000000000000000000000000000000000000000000000001","from":"nope","to":"0x52908400098527886e0f7030069857d2e4169ee7","amount":"1"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(body)); err == nil {
				t.Fatalf("expected decode error")
			}
		})
	}
}
