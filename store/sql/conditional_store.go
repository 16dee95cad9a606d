package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-settlement-guard/core"
)

const DefaultNamespace = "guard"

// ConditionalStore keeps nonce and idempotency entries in guard_kv_entries.
// The (namespace, entry_key) primary key is the atomic conditional write:
// INSERT ... ON CONFLICT DO NOTHING decides the single winner.
type ConditionalStore struct {
	db        *bun.DB
	namespace string
	Now       func() time.Time
}

func NewConditionalStore(db *bun.DB, namespace string) (*ConditionalStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &ConditionalStore{db: db, namespace: namespace, Now: core.SystemClock}, nil
}

func (s *ConditionalStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (core.PutResult, error) {
	if s == nil || s.db == nil {
		return core.PutResult{}, fmt.Errorf("sqlstore: conditional store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return core.PutResult{}, fmt.Errorf("sqlstore: store key is required")
	}
	if ttl <= 0 {
		return core.PutResult{}, fmt.Errorf("sqlstore: store ttl must be positive")
	}

	// an expired row may be reclaimed by whichever caller reaches it first;
	// a concurrent reclaim loses on the insert and reads the winner
	for attempt := 0; attempt < 3; attempt++ {
		now := s.now()
		if _, err := s.db.NewDelete().
			Model((*kvEntryRecord)(nil)).
			Where("namespace = ?", s.namespace).
			Where("entry_key = ?", key).
			Where("expires_at_ms <= ?", now.UnixMilli()).
			Exec(ctx); err != nil {
			return core.PutResult{}, err
		}

		record := &kvEntryRecord{
			Namespace:   s.namespace,
			EntryKey:    key,
			Value:       append([]byte(nil), value...),
			ExpiresAtMS: now.Add(ttl).UnixMilli(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		res, err := s.db.NewInsert().
			Model(record).
			On("CONFLICT (namespace, entry_key) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return core.PutResult{}, err
		}
		if inserted, affectedErr := res.RowsAffected(); affectedErr == nil && inserted == 1 {
			return core.PutResult{Outcome: core.PutInserted}, nil
		}

		existing, found, err := s.Get(ctx, key)
		if err != nil {
			return core.PutResult{}, err
		}
		if found {
			return core.PutResult{Outcome: core.PutExisting, Existing: existing}, nil
		}
	}
	return core.PutResult{}, fmt.Errorf("sqlstore: conditional insert for %q did not settle", key)
}

func (s *ConditionalStore) Get(ctx context.Context, key string) (core.Entry, bool, error) {
	if s == nil || s.db == nil {
		return core.Entry{}, false, fmt.Errorf("sqlstore: conditional store is not configured")
	}
	key = strings.TrimSpace(key)
	record := &kvEntryRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.namespace = ?", s.namespace).
		Where("?TableAlias.entry_key = ?", key).
		Where("?TableAlias.expires_at_ms > ?", s.now().UnixMilli()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Entry{}, false, nil
		}
		return core.Entry{}, false, err
	}
	return record.toEntry(), true, nil
}

func (s *ConditionalStore) CompareAndSwap(
	ctx context.Context,
	key string,
	expected []byte,
	next []byte,
	ttl time.Duration,
) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: conditional store is not configured")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("sqlstore: store ttl must be positive")
	}
	now := s.now()
	res, err := s.db.NewUpdate().
		Model((*kvEntryRecord)(nil)).
		Set("value = ?", next).
		Set("expires_at_ms = ?", now.Add(ttl).UnixMilli()).
		Set("updated_at = ?", now).
		Where("namespace = ?", s.namespace).
		Where("entry_key = ?", strings.TrimSpace(key)).
		Where("value = ?", expected).
		Where("expires_at_ms > ?", now.UnixMilli()).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *ConditionalStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: conditional store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*kvEntryRecord)(nil)).
		Where("namespace = ?", s.namespace).
		Where("entry_key = ?", strings.TrimSpace(key)).
		Exec(ctx)
	return err
}

func (s *ConditionalStore) PurgeExpired(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: conditional store is not configured")
	}
	res, err := s.db.NewDelete().
		Model((*kvEntryRecord)(nil)).
		Where("namespace = ?", s.namespace).
		Where("expires_at_ms <= ?", s.now().UnixMilli()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *ConditionalStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *kvEntryRecord) toEntry() core.Entry {
	return core.Entry{
		Key:       r.EntryKey,
		Value:     append([]byte(nil), r.Value...),
		ExpiresAt: time.UnixMilli(r.ExpiresAtMS).UTC(),
	}
}
