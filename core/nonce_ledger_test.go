package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newFixedLedger(now *time.Time) (*NonceLedger, *MemoryConditionalStore) {
	store := NewMemoryConditionalStore()
	store.Now = func() time.Time { return *now }
	ledger := NewNonceLedger(store, DefaultTimestampTolerance, 0)
	ledger.Now = func() time.Time { return *now }
	return ledger, store
}

func TestNonceLedger_FirstSightingFreshThenReplay(t *testing.T) {
	now := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	ledger, _ := newFixedLedger(&now)

	outcome, err := ledger.CheckAndRecord(context.Background(), SourceEuroclear, "n-1", 0)
	if err != nil {
		t.Fatalf("check first: %v", err)
	}
	if outcome != NonceFresh {
		t.Fatalf("expected fresh, got %q", outcome)
	}

	for i := 0; i < 3; i++ {
		now = now.Add(time.Minute)
		outcome, err = ledger.CheckAndRecord(context.Background(), SourceEuroclear, "n-1", 0)
		if err != nil {
			t.Fatalf("check replay: %v", err)
		}
		if outcome != NonceReplay {
			t.Fatalf("expected replay on attempt %d, got %q", i, outcome)
		}
	}
}

func TestNonceLedger_SourcesAreIndependent(t *testing.T) {
	now := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	ledger, _ := newFixedLedger(&now)

	for _, source := range KnownSources() {
		outcome, err := ledger.CheckAndRecord(context.Background(), source, "shared", 0)
		if err != nil {
			t.Fatalf("check %s: %v", source, err)
		}
		if outcome != NonceFresh {
			t.Fatalf("expected fresh for %s, got %q", source, outcome)
		}
	}
}

func TestNonceLedger_TTLRaisedToReplaySafeMinimum(t *testing.T) {
	now := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	ledger, _ := newFixedLedger(&now)

	if _, err := ledger.CheckAndRecord(context.Background(), SourceChainlink, "short", time.Second); err != nil {
		t.Fatalf("check first: %v", err)
	}
	now = now.Add(DefaultTimestampTolerance + time.Second)
	outcome, err := ledger.CheckAndRecord(context.Background(), SourceChainlink, "short", time.Second)
	if err != nil {
		t.Fatalf("check replay: %v", err)
	}
	if outcome != NonceReplay {
		t.Fatalf("expected nonce retained past tolerance window, got %q", outcome)
	}
	if ledger.TTL() < MinimumNonceTTL(DefaultTimestampTolerance) {
		t.Fatalf("expected ledger ttl >= minimum, got %s", ledger.TTL())
	}
}

func TestNonceLedger_FreshAgainAfterRetention(t *testing.T) {
	now := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	ledger, _ := newFixedLedger(&now)

	if _, err := ledger.CheckAndRecord(context.Background(), SourceClearstream, "n-2", 0); err != nil {
		t.Fatalf("check first: %v", err)
	}
	now = now.Add(ledger.TTL())
	outcome, err := ledger.CheckAndRecord(context.Background(), SourceClearstream, "n-2", 0)
	if err != nil {
		t.Fatalf("check after retention: %v", err)
	}
	if outcome != NonceFresh {
		t.Fatalf("expected fresh after retention elapsed, got %q", outcome)
	}
}

func TestNonceLedger_ConcurrentCallsYieldSingleFresh(t *testing.T) {
	ledger := NewNonceLedger(NewMemoryConditionalStore(), DefaultTimestampTolerance, 0)

	const callers = 64
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
		start = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			outcome, err := ledger.CheckAndRecord(context.Background(), SourceEuroclear, "race", 0)
			if err != nil {
				t.Errorf("check: %v", err)
				return
			}
			if outcome == NonceFresh {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh outcome, got %d", fresh)
	}
}

func TestNonceLedger_RejectsBlankNonce(t *testing.T) {
	ledger := NewNonceLedger(NewMemoryConditionalStore(), 0, 0)
	if _, err := ledger.CheckAndRecord(context.Background(), SourceEuroclear, "  ", 0); err == nil {
		t.Fatalf("expected blank nonce error")
	}
}

func TestNonceLedger_LookupAndPurge(t *testing.T) {
	now := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	ledger, store := newFixedLedger(&now)

	if _, err := ledger.CheckAndRecord(context.Background(), SourceEuroclear, "n-3", 0); err != nil {
		t.Fatalf("check: %v", err)
	}
	record, found, err := ledger.Lookup(context.Background(), SourceEuroclear, "n-3")
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if !record.FirstSeenAt.Equal(now) || !record.ExpiresAt.Equal(now.Add(ledger.TTL())) {
		t.Fatalf("unexpected record timestamps: %#v", record)
	}

	now = now.Add(ledger.TTL() + time.Second)
	purged, err := ledger.Purge(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 || store.Len() != 0 {
		t.Fatalf("expected one purged entry, got purged=%d len=%d", purged, store.Len())
	}
}
