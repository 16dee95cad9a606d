package query

import (
	"context"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-settlement-guard/core"
)

func TestLookupNonceMessage_ValidateReturnsRichError(t *testing.T) {
	err := (LookupNonceMessage{Source: core.SourceEuroclear}).Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %q", rich.Category)
	}
	if rich.TextCode != core.ErrorBadInput {
		t.Fatalf("expected %q text code, got %q", core.ErrorBadInput, rich.TextCode)
	}
}

func TestLatestReportQuery_NilReaderReturnsRichError(t *testing.T) {
	var q *LatestReportQuery
	_, err := q.Query(context.Background(), LatestReportMessage{})
	if err == nil {
		t.Fatalf("expected query dependency error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
}
