package guard_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	guard "github.com/goliatone/go-settlement-guard"
	"github.com/goliatone/go-settlement-guard/core"
	"github.com/goliatone/go-settlement-guard/migrations"
	sqlstore "github.com/goliatone/go-settlement-guard/store/sql"
	"github.com/goliatone/go-settlement-guard/webhooks"
)

type sqliteConfig struct {
	dsn string
}

func (c sqliteConfig) GetDebug() bool { return false }
func (c sqliteConfig) GetDriver() string { return "sqlite3" }
func (c sqliteConfig) GetServer() string { return c.dsn }
func (c sqliteConfig) GetPingTimeout() time.Duration { return time.Second }
func (c sqliteConfig) GetOtelIdentifier() string { return "settlement-guard-tests" }

func newMigratedClient(t *testing.T) *persistence.Client {
	t.Helper()
	dsn := fmt.Sprintf("file:guard-service-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	client, err := persistence.New(sqliteConfig{dsn: dsn}, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("persistence client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if err := migrations.Apply(context.Background(), client, migrations.DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return client
}

func TestService_SQLDriverPersistsAcrossInstances(t *testing.T) {
	now := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	client := newMigratedClient(t)
	cfg := guard.DefaultConfig()
	cfg.Store.Driver = core.StoreDriverSQL
	cfg.Store.SQLDriver = "sqlite3"
	cfg.Webhooks.Secrets = map[string]string{"euroclear": "ec-secret"}
	build := func() *guard.Service {
		svc, err := guard.NewService(cfg,
			guard.WithPersistenceClient(client),
			guard.WithClock(func() time.Time { return now }),
		)
		if err != nil {
			t.Fatalf("new service: %v", err)
		}
		return svc
	}

	first := build()
	if _, ok := first.Dependencies().ConditionalStore.(*sqlstore.ConditionalStore); !ok {
		t.Fatalf("expected sql conditional store, got %T", first.Dependencies().ConditionalStore)
	}
	if _, ok := first.Dependencies().ReportStore.(*sqlstore.CachedReportStore); !ok {
		t.Fatalf("expected cached sql report store, got %T", first.Dependencies().ReportStore)
	}

	body := []byte(`{"event":"settlement_matched","reference":"SQL-1","data":{"status":"MATCHED"}}`)
	post := func(svc *guard.Service) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/euroclear", bytes.NewReader(body))
		req.Header.Set(core.HeaderSignature, webhooks.Sign("ec-secret", body))
		req.Header.Set(core.HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
		req.Header.Set(core.HeaderNonce, "sql-nonce-1")
		rec := httptest.NewRecorder()
		svc.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	if code := post(first); code != http.StatusOK {
		t.Fatalf("expected first delivery accepted, got %d", code)
	}
	if code := post(build()); code != http.StatusConflict {
		t.Fatalf("expected replay across instances to conflict, got %d", code)
	}

	row, found, err := first.Dependencies().LedgerStore.FindByReference(context.Background(), "SQL-1")
	if err != nil || !found {
		t.Fatalf("expected persisted settlement row, found=%v err=%v", found, err)
	}
	if row.ID != "euroclear:SQL-1" || row.Status != string(core.SettlementMatched) {
		t.Fatalf("unexpected persisted row %#v", row)
	}
}

func TestService_SQLDriverReconcilesIngestedWindow(t *testing.T) {
	now := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	cfg := guard.DefaultConfig()
	cfg.Store.Driver = core.StoreDriverSQL
	cfg.Store.SQLDriver = "sqlite3"
	cfg.Webhooks.Secrets = map[string]string{"chainlink": "cl-secret", "euroclear": "ec-secret"}
	svc, err := guard.NewService(cfg,
		guard.WithPersistenceClient(newMigratedClient(t)),
		guard.WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	handler := svc.Handler()

	const txHash = "0x00000000000000000000000000000000000000000000000000000000000000bb"
	deliver := func(source string, secret string, nonce string, body string) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/"+source, strings.NewReader(body))
		req.Header.Set(core.HeaderSignature, webhooks.Sign(secret, []byte(body)))
		req.Header.Set(core.HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
		req.Header.Set(core.HeaderNonce, nonce)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected %s delivery accepted, got %d: %s", source, rec.Code, rec.Body.String())
		}
	}
	deliver("chainlink", "cl-secret", "sql-n-1", `{"requestId":"req-1","data":{"event":"transfer",`+
		`"txHash":"`+txHash+`","logIndex":0,"blockNumber":12,"isin":"US0378331005",`+
		`"from":"0x52908400098527886e0f7030069857d2e4169ee7",`+
		`"to":"0x8617e340b3d01fa5f11f306f4090fd50e238070d","amount":"100"}}`)
	deliver("euroclear", "ec-secret", "sql-n-2", `{"event":"settlement_confirmed","reference":"SQL-2","data":{`+
		`"status":"SETTLED","isin":"US0378331005","quantity":"90","tx_hash":"`+txHash+`"}}`)

	req := httptest.NewRequest(http.MethodPost, "/reconciliation/runs", strings.NewReader(`{"lookback":"1h"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected run created, got %d: %s", rec.Code, rec.Body.String())
	}
	var report core.DiscrepancyReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.OnChainCount != 1 || report.LedgerCount != 1 {
		t.Fatalf("expected both persisted rows inside the window, got %#v", report)
	}
	if len(report.Discrepancies) != 1 || report.Discrepancies[0].Kind != core.DiscrepancyValueMismatch {
		t.Fatalf("expected one value mismatch, got %#v", report.Discrepancies)
	}
}
