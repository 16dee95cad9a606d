package reconcile

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-settlement-guard/core"
)

// MemorySnapshotStore keeps both reconciliation views in process. It backs
// the memory and redis drivers, which have no relational store for
// snapshots.
type MemorySnapshotStore struct {
	mu      sync.RWMutex
	events  map[string]core.OnChainEvent
	ledger  map[string]core.LedgerEntity
	updated map[string]time.Time
	Now     func() time.Time
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		events:  map[string]core.OnChainEvent{},
		ledger:  map[string]core.LedgerEntity{},
		updated: map[string]time.Time{},
		Now:     core.SystemClock,
	}
}

// Record stores an event; a second delivery of the same event is a no-op.
func (s *MemorySnapshotStore) Record(_ context.Context, event core.OnChainEvent) (bool, error) {
	if s == nil {
		return false, core.NewStoreError(nil, "snapshot store is not configured", nil)
	}
	event.TxHash = strings.ToLower(strings.TrimSpace(event.TxHash))
	if event.TxHash == "" || strings.TrimSpace(string(event.EventType)) == "" {
		return false, core.NewBadInput("on-chain event requires event type and tx hash", nil)
	}
	if event.ObservedAt.IsZero() {
		event.ObservedAt = s.now()
	}
	event.ObservedAt = event.ObservedAt.UTC()
	event.Fields = copyFields(event.Fields)
	key := string(event.EventType) + ":" + EntityKey(event.EventType, event.TxHash, event.LogIndex)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[key]; exists {
		return false, nil
	}
	s.events[key] = event
	return true, nil
}

// Upsert inserts or replaces a ledger row by id.
func (s *MemorySnapshotStore) Upsert(_ context.Context, entity core.LedgerEntity) error {
	if s == nil {
		return core.NewStoreError(nil, "snapshot store is not configured", nil)
	}
	entity.ID = strings.TrimSpace(entity.ID)
	if entity.ID == "" || strings.TrimSpace(string(entity.Kind)) == "" {
		return core.NewBadInput("ledger entity requires id and kind", nil)
	}
	now := s.now()
	if entity.RecordedAt.IsZero() {
		entity.RecordedAt = now
	}
	entity.RecordedAt = entity.RecordedAt.UTC()
	entity.Fields = copyFields(entity.Fields)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger[entity.ID] = entity
	s.updated[entity.ID] = now
	return nil
}

// FindByReference returns the most recently written row carrying reference.
func (s *MemorySnapshotStore) FindByReference(_ context.Context, reference string) (core.LedgerEntity, bool, error) {
	reference = strings.TrimSpace(reference)
	if s == nil || reference == "" {
		return core.LedgerEntity{}, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found   core.LedgerEntity
		foundAt time.Time
		ok      bool
	)
	for id, entity := range s.ledger {
		if entity.Reference != reference {
			continue
		}
		at := s.updated[id]
		if !ok || at.After(foundAt) || (at.Equal(foundAt) && entity.ID < found.ID) {
			found, foundAt, ok = entity, at, true
		}
	}
	if ok {
		found.Fields = copyFields(found.Fields)
	}
	return found, ok, nil
}

func (s *MemorySnapshotStore) LoadOnChainEvents(_ context.Context, from time.Time, to time.Time) ([]core.OnChainEvent, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.RLock()
	out := make([]core.OnChainEvent, 0, len(s.events))
	for _, event := range s.events {
		if inWindow(event.ObservedAt, from, to) {
			event.Fields = copyFields(event.Fields)
			out = append(out, event)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out, nil
}

func (s *MemorySnapshotStore) LoadLedgerEntities(_ context.Context, from time.Time, to time.Time) ([]core.LedgerEntity, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.RLock()
	out := make([]core.LedgerEntity, 0, len(s.ledger))
	for _, entity := range s.ledger {
		if inWindow(entity.RecordedAt, from, to) {
			entity.Fields = copyFields(entity.Fields)
			out = append(out, entity)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemorySnapshotStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// MemoryReportStore keeps the latest report and the current discrepancy per
// entity key. A run supersedes only the keys it reports.
type MemoryReportStore struct {
	mu      sync.RWMutex
	latest  *core.DiscrepancyReport
	current map[string][]core.DiscrepancyRecord
}

func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{current: map[string][]core.DiscrepancyRecord{}}
}

func (s *MemoryReportStore) SaveReport(_ context.Context, report core.DiscrepancyReport) error {
	if s == nil {
		return core.NewStoreError(nil, "report store is not configured", nil)
	}
	if strings.TrimSpace(report.RunID) == "" {
		report.RunID = uuid.NewString()
	}
	report = cloneReport(report)

	s.mu.Lock()
	defer s.mu.Unlock()
	next := map[string][]core.DiscrepancyRecord{}
	for _, item := range report.Discrepancies {
		next[item.EntityKey] = append(next[item.EntityKey], item)
	}
	for key, items := range next {
		s.current[key] = items
	}
	s.latest = &report
	return nil
}

func (s *MemoryReportStore) LatestReport(context.Context) (core.DiscrepancyReport, bool, error) {
	if s == nil {
		return core.DiscrepancyReport{}, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return core.DiscrepancyReport{}, false, nil
	}
	return cloneReport(*s.latest), true, nil
}

func (s *MemoryReportStore) ListDiscrepancies(_ context.Context, filter core.DiscrepancyFilter) ([]core.DiscrepancyRecord, int, error) {
	if s == nil {
		return nil, 0, nil
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	key := strings.TrimSpace(filter.EntityKey)

	s.mu.RLock()
	matched := make([]core.DiscrepancyRecord, 0)
	for entityKey, items := range s.current {
		if key != "" && entityKey != key {
			continue
		}
		for _, item := range items {
			if filter.Kind != "" && item.Kind != filter.Kind {
				continue
			}
			matched = append(matched, cloneRecord(item))
		}
	}
	s.mu.RUnlock()

	core.SortDiscrepancies(matched)
	total := len(matched)
	if offset >= total {
		return []core.DiscrepancyRecord{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func inWindow(at time.Time, from time.Time, to time.Time) bool {
	return !at.Before(from) && !at.After(to)
}

func cloneReport(report core.DiscrepancyReport) core.DiscrepancyReport {
	out := report
	if report.Totals != nil {
		out.Totals = make(map[core.DiscrepancyKind]int, len(report.Totals))
		for kind, count := range report.Totals {
			out.Totals[kind] = count
		}
	}
	out.Discrepancies = make([]core.DiscrepancyRecord, 0, len(report.Discrepancies))
	for _, item := range report.Discrepancies {
		out.Discrepancies = append(out.Discrepancies, cloneRecord(item))
	}
	return out
}

func cloneRecord(item core.DiscrepancyRecord) core.DiscrepancyRecord {
	out := item
	out.ExpectedState = item.ExpectedState.Clone()
	out.ObservedState = item.ObservedState.Clone()
	if item.Fields != nil {
		out.Fields = append([]string(nil), item.Fields...)
	}
	return out
}

func copyFields(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
