package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type PutOutcome string

const (
	PutInserted PutOutcome = "inserted"
	PutExisting PutOutcome = "existing"
)

type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

type PutResult struct {
	Outcome PutOutcome
	// Existing is populated when Outcome is PutExisting.
	Existing Entry
}

func (r PutResult) Inserted() bool {
	return r.Outcome == PutInserted
}

// ConditionalStore is the atomic key-value primitive behind nonce and
// idempotency tracking. Expired entries are invisible to every operation.
type ConditionalStore interface {
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (PutResult, error)
	Get(ctx context.Context, key string) (Entry, bool, error)
	CompareAndSwap(ctx context.Context, key string, expected []byte, next []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context) (int, error)
}

type NonceChecker interface {
	CheckAndRecord(ctx context.Context, source Source, nonce string, ttl time.Duration) (NonceOutcome, error)
}

type OnChainSource interface {
	LoadOnChainEvents(ctx context.Context, from time.Time, to time.Time) ([]OnChainEvent, error)
}

type LedgerSource interface {
	LoadLedgerEntities(ctx context.Context, from time.Time, to time.Time) ([]LedgerEntity, error)
}

type ReportSink interface {
	SaveReport(ctx context.Context, report DiscrepancyReport) error
}

type ReportReader interface {
	LatestReport(ctx context.Context) (DiscrepancyReport, bool, error)
	ListDiscrepancies(ctx context.Context, filter DiscrepancyFilter) ([]DiscrepancyRecord, int, error)
}

type DiscrepancyFilter struct {
	Kind      DiscrepancyKind
	EntityKey string
	Limit     int
	Offset    int
}

func SystemClock() time.Time {
	return time.Now().UTC()
}
