package core

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultMemoryStoreMaxEntries = 65536

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryConditionalStore is a bounded in-process ConditionalStore. When full
// it evicts expired entries only; a live entry is never dropped to make room.
type MemoryConditionalStore struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]memoryEntry
	Now        func() time.Time
}

func NewMemoryConditionalStore() *MemoryConditionalStore {
	return NewMemoryConditionalStoreWithLimit(defaultMemoryStoreMaxEntries)
}

func NewMemoryConditionalStoreWithLimit(maxEntries int) *MemoryConditionalStore {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryStoreMaxEntries
	}
	return &MemoryConditionalStore{
		maxEntries: maxEntries,
		entries:    map[string]memoryEntry{},
		Now:        SystemClock,
	}
}

func (s *MemoryConditionalStore) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (PutResult, error) {
	if s == nil {
		return PutResult{}, fmt.Errorf("core: conditional store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return PutResult{}, fmt.Errorf("core: store key is required")
	}
	if ttl <= 0 {
		return PutResult{}, fmt.Errorf("core: store ttl must be positive")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.entries[key]; ok {
		if now.Before(current.expiresAt) {
			return PutResult{
				Outcome: PutExisting,
				Existing: Entry{
					Key:       key,
					Value:     append([]byte(nil), current.value...),
					ExpiresAt: current.expiresAt,
				},
			}, nil
		}
		delete(s.entries, key)
	}
	if len(s.entries) >= s.maxEntries {
		s.pruneExpiredLocked(now)
		if len(s.entries) >= s.maxEntries {
			return PutResult{}, fmt.Errorf("core: conditional store is full (%d live entries)", len(s.entries))
		}
	}
	s.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: now.Add(ttl),
	}
	return PutResult{Outcome: PutInserted}, nil
}

func (s *MemoryConditionalStore) Get(_ context.Context, key string) (Entry, bool, error) {
	if s == nil {
		return Entry{}, false, fmt.Errorf("core: conditional store is not configured")
	}
	key = strings.TrimSpace(key)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[key]
	if !ok || !now.Before(current.expiresAt) {
		return Entry{}, false, nil
	}
	return Entry{
		Key:       key,
		Value:     append([]byte(nil), current.value...),
		ExpiresAt: current.expiresAt,
	}, true, nil
}

func (s *MemoryConditionalStore) CompareAndSwap(
	_ context.Context,
	key string,
	expected []byte,
	next []byte,
	ttl time.Duration,
) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("core: conditional store is not configured")
	}
	key = strings.TrimSpace(key)
	if ttl <= 0 {
		return false, fmt.Errorf("core: store ttl must be positive")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[key]
	if !ok || !now.Before(current.expiresAt) {
		return false, nil
	}
	if !bytes.Equal(current.value, expected) {
		return false, nil
	}
	s.entries[key] = memoryEntry{
		value:     append([]byte(nil), next...),
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

func (s *MemoryConditionalStore) Delete(_ context.Context, key string) error {
	if s == nil {
		return fmt.Errorf("core: conditional store is not configured")
	}
	s.mu.Lock()
	delete(s.entries, strings.TrimSpace(key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryConditionalStore) PurgeExpired(_ context.Context) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("core: conditional store is not configured")
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneExpiredLocked(now), nil
}

func (s *MemoryConditionalStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryConditionalStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *MemoryConditionalStore) pruneExpiredLocked(now time.Time) int {
	pruned := 0
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
			pruned++
		}
	}
	return pruned
}

var _ ConditionalStore = (*MemoryConditionalStore)(nil)
