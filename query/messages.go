package query

import (
	"strings"

	"github.com/goliatone/go-settlement-guard/core"
)

const (
	TypeLatestReport       = "guard.query.report.latest"
	TypeListDiscrepancies  = "guard.query.discrepancy.list"
	TypeLookupNonce        = "guard.query.nonce.lookup"
	TypeLookupIdempotency  = "guard.query.idempotency.lookup"
	maxDiscrepancyPageSize = 500
)

type LatestReportMessage struct{}

func (LatestReportMessage) Type() string { return TypeLatestReport }

func (LatestReportMessage) Validate() error { return nil }

type ListDiscrepanciesMessage struct {
	Filter core.DiscrepancyFilter
}

func (ListDiscrepanciesMessage) Type() string { return TypeListDiscrepancies }

func (m ListDiscrepanciesMessage) Validate() error {
	if m.Filter.Limit < 0 || m.Filter.Limit > maxDiscrepancyPageSize {
		return queryValidationError("limit", "must be between 0 and 500")
	}
	if m.Filter.Offset < 0 {
		return queryValidationError("offset", "must be >= 0")
	}
	if m.Filter.Kind == "" {
		return nil
	}
	for _, kind := range core.DiscrepancyKinds() {
		if kind == m.Filter.Kind {
			return nil
		}
	}
	return queryValidationError("kind", "unknown discrepancy kind")
}

type LookupNonceMessage struct {
	Source core.Source
	Nonce  string
}

func (LookupNonceMessage) Type() string { return TypeLookupNonce }

func (m LookupNonceMessage) Validate() error {
	if _, err := core.ParseSource(string(m.Source)); err != nil {
		return queryValidationError("source", err.Error())
	}
	if strings.TrimSpace(m.Nonce) == "" {
		return queryValidationError("nonce", "is required")
	}
	return nil
}

// LookupIdempotencyMessage addresses a record the same way the middleware
// does: endpoint, actor, key, and the request payload.
type LookupIdempotencyMessage struct {
	EndpointID     string
	ActorID        string
	IdempotencyKey string
	Payload        []byte
}

func (LookupIdempotencyMessage) Type() string { return TypeLookupIdempotency }

func (m LookupIdempotencyMessage) Validate() error {
	if strings.TrimSpace(m.EndpointID) == "" {
		return queryValidationError("endpoint_id", "is required")
	}
	if strings.TrimSpace(m.IdempotencyKey) == "" {
		return queryValidationError("idempotency_key", "is required")
	}
	return nil
}
