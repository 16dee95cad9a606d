package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const nonceKeyPrefix = "nonce:"

// NonceLedger records (source, nonce) pairs with a single conditional insert,
// so two concurrent deliveries of the same pair cannot both be fresh.
type NonceLedger struct {
	store     ConditionalStore
	tolerance time.Duration
	ttl       time.Duration
	Now       func() time.Time
}

func NewNonceLedger(store ConditionalStore, tolerance time.Duration, ttl time.Duration) *NonceLedger {
	if tolerance <= 0 {
		tolerance = DefaultTimestampTolerance
	}
	if minimum := MinimumNonceTTL(tolerance); ttl < minimum {
		ttl = minimum
	}
	return &NonceLedger{
		store:     store,
		tolerance: tolerance,
		ttl:       ttl,
		Now:       SystemClock,
	}
}

// CheckAndRecord returns NonceFresh for the first sighting of the pair within
// the retention window and NonceReplay for every later one. A ttl below the
// replay-safe minimum is raised to it.
func (l *NonceLedger) CheckAndRecord(ctx context.Context, source Source, nonce string, ttl time.Duration) (NonceOutcome, error) {
	if l == nil || l.store == nil {
		return "", fmt.Errorf("core: nonce ledger is not configured")
	}
	source = Source(strings.ToLower(strings.TrimSpace(string(source))))
	nonce = strings.TrimSpace(nonce)
	if source == "" {
		return "", NewBadInput("nonce source is required", nil)
	}
	if nonce == "" {
		return "", NewBadInput("nonce is required", map[string]any{"source": string(source)})
	}
	ttl = l.effectiveTTL(ttl)
	now := l.now()

	payload, err := json.Marshal(NonceRecord{
		Source:      source,
		Nonce:       nonce,
		FirstSeenAt: now,
		ExpiresAt:   now.Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("core: encode nonce record: %w", err)
	}
	result, err := l.store.PutIfAbsent(ctx, NonceKey(source, nonce), payload, ttl)
	if err != nil {
		return "", NewStoreError(err, "nonce ledger write failed", map[string]any{"source": string(source)})
	}
	if result.Inserted() {
		return NonceFresh, nil
	}
	return NonceReplay, nil
}

// Lookup returns the recorded nonce, if it is still retained.
func (l *NonceLedger) Lookup(ctx context.Context, source Source, nonce string) (NonceRecord, bool, error) {
	if l == nil || l.store == nil {
		return NonceRecord{}, false, fmt.Errorf("core: nonce ledger is not configured")
	}
	entry, found, err := l.store.Get(ctx, NonceKey(source, nonce))
	if err != nil || !found {
		return NonceRecord{}, false, err
	}
	var record NonceRecord
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return NonceRecord{}, false, fmt.Errorf("core: decode nonce record: %w", err)
	}
	return record, true, nil
}

func (l *NonceLedger) Purge(ctx context.Context) (int, error) {
	if l == nil || l.store == nil {
		return 0, fmt.Errorf("core: nonce ledger is not configured")
	}
	return l.store.PurgeExpired(ctx)
}

func (l *NonceLedger) TTL() time.Duration {
	if l == nil {
		return MinimumNonceTTL(DefaultTimestampTolerance)
	}
	return l.ttl
}

func (l *NonceLedger) effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = l.ttl
	}
	if minimum := MinimumNonceTTL(l.tolerance); ttl < minimum {
		ttl = minimum
	}
	return ttl
}

func (l *NonceLedger) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func NonceKey(source Source, nonce string) string {
	return nonceKeyPrefix + strings.ToLower(strings.TrimSpace(string(source))) + ":" + strings.TrimSpace(nonce)
}

var _ NonceChecker = (*NonceLedger)(nil)
