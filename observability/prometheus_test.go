package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/goliatone/go-settlement-guard/core"
)

func TestMetricName(t *testing.T) {
	cases := map[string]string{
		"guard.webhook_dispatch.total":    "guard_webhook_dispatch_total",
		"guard.idempotent-execute.total":  "guard_idempotent_execute_total",
		" Guard.Reconciliation_Run.total": "guard_reconciliation_run_total",
		"":                                "",
	}
	for in, want := range cases {
		if got := metricName(in); got != want {
			t.Fatalf("metricName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrometheusRecorder_CountsByLabels(t *testing.T) {
	recorder := NewPrometheusRecorder(nil)
	ctx := context.Background()

	recorder.IncCounter(ctx, "guard.webhook_dispatch.total", 1, map[string]string{"operation": "webhook_dispatch", "outcome": "handled", "source": "euroclear"})
	recorder.IncCounter(ctx, "guard.webhook_dispatch.total", 2, map[string]string{"operation": "webhook_dispatch", "outcome": "handled", "source": "euroclear", "ignored": "x"})
	recorder.IncCounter(ctx, "guard.webhook_dispatch.total", 1, map[string]string{"operation": "webhook_dispatch", "outcome": "rejected", "source": "chainlink"})

	counter := recorder.counter("guard_webhook_dispatch_total")
	handled := testutil.ToFloat64(counter.WithLabelValues("webhook_dispatch", "handled", "euroclear", "", "", ""))
	if handled != 3 {
		t.Fatalf("expected 3 handled, got %v", handled)
	}
	if got := testutil.CollectAndCount(counter); got != 2 {
		t.Fatalf("expected 2 label series, got %d", got)
	}
}

func TestPrometheusRecorder_ObserverFeedsHandler(t *testing.T) {
	recorder := NewPrometheusRecorder(nil)
	observer := core.NewObserver("guard.test", nil, nil, recorder)
	observer.Observe(context.Background(), time.Now(), "reconciliation_run", nil, map[string]any{"kind": "scheduled"})

	srv := httptest.NewServer(recorder.Handler())
	defer srv.Close()
	res, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	body, _ := io.ReadAll(res.Body)
	text := string(body)
	if !strings.Contains(text, "guard_reconciliation_run_total") {
		t.Fatalf("expected run counter in exposition, got:\n%s", text)
	}
	if !strings.Contains(text, "guard_reconciliation_run_duration_ms_bucket") {
		t.Fatalf("expected duration histogram in exposition")
	}
}
