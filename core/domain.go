package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Source string

const (
	SourceEuroclear   Source = "euroclear"
	SourceClearstream Source = "clearstream"
	SourceChainlink   Source = "chainlink"
)

const (
	HeaderSignature          = "X-Signature"
	HeaderTimestamp          = "X-Timestamp"
	HeaderNonce              = "X-Nonce"
	HeaderIdempotencyKey     = "Idempotency-Key"
	HeaderIdempotentReplayed = "Idempotent-Replayed"
	HeaderRetryAfter         = "Retry-After"
)

func KnownSources() []Source {
	return []Source{SourceChainlink, SourceClearstream, SourceEuroclear}
}

func ParseSource(raw string) (Source, error) {
	source := Source(strings.ToLower(strings.TrimSpace(raw)))
	switch source {
	case SourceEuroclear, SourceClearstream, SourceChainlink:
		return source, nil
	case "":
		return "", fmt.Errorf("core: webhook source is required")
	default:
		return "", fmt.Errorf("core: unknown webhook source %q", raw)
	}
}

func (s Source) String() string {
	return string(s)
}

type NonceOutcome string

const (
	NonceFresh  NonceOutcome = "fresh"
	NonceReplay NonceOutcome = "replay"
)

type NonceRecord struct {
	Source      Source    `json:"source"`
	Nonce       string    `json:"nonce"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type IdempotencyStatus string

const (
	IdempotencyInFlight  IdempotencyStatus = "in_flight"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

type ResponseEnvelope struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

func (r ResponseEnvelope) Successful() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r ResponseEnvelope) Clone() ResponseEnvelope {
	out := ResponseEnvelope{StatusCode: r.StatusCode}
	if len(r.Headers) > 0 {
		out.Headers = make(map[string]string, len(r.Headers))
		for key, value := range r.Headers {
			out.Headers[key] = value
		}
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// IdempotencyRecord is stored under the scope key of a request (endpoint,
// actor, key) so a reused key with a different payload is detectable.
type IdempotencyRecord struct {
	ScopeKey       string            `json:"scope_key"`
	Fingerprint    string            `json:"fingerprint"`
	PayloadHash    string            `json:"payload_hash"`
	Status         IdempotencyStatus `json:"status"`
	Response       *ResponseEnvelope `json:"response,omitempty"`
	Attempt        string            `json:"attempt"`
	Attempts       int               `json:"attempts"`
	LastError      string            `json:"last_error,omitempty"`
	LeaseExpiresAt time.Time         `json:"lease_expires_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

type WebhookEvent struct {
	ID             string
	Source         Source
	RawBody        []byte
	Signature      string
	Timestamp      string
	Nonce          string
	ReceivedAt     time.Time
	DecodedPayload any
}

type EntityKind string

const (
	EntityIssuance   EntityKind = "issuance"
	EntityTransfer   EntityKind = "transfer"
	EntitySettlement EntityKind = "settlement"
)

type SettlementStatus string

const (
	SettlementInitiated SettlementStatus = "INITIATED"
	SettlementMatched   SettlementStatus = "MATCHED"
	SettlementSettled   SettlementStatus = "SETTLED"
	SettlementFailed    SettlementStatus = "FAILED"
)

type OnChainEvent struct {
	EventType   EntityKind        `json:"event_type"`
	TxHash      string            `json:"tx_hash"`
	LogIndex    uint64            `json:"log_index"`
	BlockNumber uint64            `json:"block_number"`
	ISIN        string            `json:"isin,omitempty"`
	From        string            `json:"from,omitempty"`
	To          string            `json:"to,omitempty"`
	Amount      decimal.Decimal   `json:"amount"`
	Status      string            `json:"status,omitempty"`
	ObservedAt  time.Time         `json:"observed_at"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// LedgerEntity is an internal settlement, issuance, or transfer row. TxHash is
// empty until the business layer has recorded an on-chain reference.
type LedgerEntity struct {
	ID         string            `json:"id"`
	Kind       EntityKind        `json:"kind"`
	Reference  string            `json:"reference,omitempty"`
	TxHash     string            `json:"tx_hash,omitempty"`
	LogIndex   uint64            `json:"log_index"`
	ISIN       string            `json:"isin,omitempty"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Amount     decimal.Decimal   `json:"amount"`
	Status     string            `json:"status,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
	Fields     map[string]string `json:"fields,omitempty"`
}

type DiscrepancyKind string

const (
	DiscrepancyMissingInLedger DiscrepancyKind = "missing_in_ledger"
	DiscrepancyMissingOnChain  DiscrepancyKind = "missing_on_chain"
	DiscrepancyValueMismatch   DiscrepancyKind = "value_mismatch"
)

func DiscrepancyKinds() []DiscrepancyKind {
	return []DiscrepancyKind{
		DiscrepancyMissingInLedger,
		DiscrepancyMissingOnChain,
		DiscrepancyValueMismatch,
	}
}

// EntityState is the comparable projection of one side of a reconciled entity.
type EntityState map[string]string

func (s EntityState) Clone() EntityState {
	if s == nil {
		return nil
	}
	out := make(EntityState, len(s))
	for key, value := range s {
		out[key] = value
	}
	return out
}

type DiscrepancyRecord struct {
	EntityKey     string          `json:"entity_key"`
	Kind          DiscrepancyKind `json:"kind"`
	EntityKind    EntityKind      `json:"entity_kind"`
	ExpectedState EntityState     `json:"expected_state,omitempty"`
	ObservedState EntityState     `json:"observed_state,omitempty"`
	Fields        []string        `json:"fields,omitempty"`
	DetectedAt    time.Time       `json:"detected_at"`
}

type ReconciliationResult struct {
	Discrepancies []DiscrepancyRecord
	OnChainCount  int
	LedgerCount   int
	Matched       int
	Pending       int
	Duplicates    int
}

type DiscrepancyReport struct {
	RunID         string                  `json:"run_id"`
	StartedAt     time.Time               `json:"started_at"`
	FinishedAt    time.Time               `json:"finished_at"`
	WindowStart   time.Time               `json:"window_start"`
	WindowEnd     time.Time               `json:"window_end"`
	OnChainCount  int                     `json:"on_chain_count"`
	LedgerCount   int                     `json:"ledger_count"`
	Matched       int                     `json:"matched"`
	Pending       int                     `json:"pending"`
	Duplicates    int                     `json:"duplicates"`
	Totals        map[DiscrepancyKind]int `json:"totals"`
	Discrepancies []DiscrepancyRecord     `json:"discrepancies"`
}

func (r DiscrepancyReport) Clean() bool {
	return len(r.Discrepancies) == 0
}

// SortDiscrepancies orders records by entity key, then kind.
func SortDiscrepancies(records []DiscrepancyRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].EntityKey != records[j].EntityKey {
			return records[i].EntityKey < records[j].EntityKey
		}
		return records[i].Kind < records[j].Kind
	})
}
