package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds every SQL-backed store over one bun handle.
type RepositoryFactory struct {
	db *bun.DB

	conditionalStore  *ConditionalStore
	discrepancyStore  *DiscrepancyStore
	onChainEventStore *OnChainEventStore
	ledgerEntityStore *LedgerEntityStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.conditionalStore != nil && f.discrepancyStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) ConditionalStore() *ConditionalStore {
	if f == nil {
		return nil
	}
	return f.conditionalStore
}

func (f *RepositoryFactory) DiscrepancyStore() *DiscrepancyStore {
	if f == nil {
		return nil
	}
	return f.discrepancyStore
}

func (f *RepositoryFactory) OnChainEventStore() *OnChainEventStore {
	if f == nil {
		return nil
	}
	return f.onChainEventStore
}

func (f *RepositoryFactory) LedgerEntityStore() *LedgerEntityStore {
	if f == nil {
		return nil
	}
	return f.ledgerEntityStore
}

func (f *RepositoryFactory) initStores() error {
	conditionalStore, err := NewConditionalStore(f.db, DefaultNamespace)
	if err != nil {
		return err
	}
	f.conditionalStore = conditionalStore
	discrepancyStore, err := NewDiscrepancyStore(f.db)
	if err != nil {
		return err
	}
	f.discrepancyStore = discrepancyStore
	onChainEventStore, err := NewOnChainEventStore(f.db)
	if err != nil {
		return err
	}
	f.onChainEventStore = onChainEventStore
	ledgerEntityStore, err := NewLedgerEntityStore(f.db)
	if err != nil {
		return err
	}
	f.ledgerEntityStore = ledgerEntityStore
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
