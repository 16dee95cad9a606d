package guard

import (
	"fmt"

	"github.com/goliatone/go-command/runner"

	"github.com/goliatone/go-settlement-guard/adapters/gocommand"
	guardcommand "github.com/goliatone/go-settlement-guard/command"
	guardquery "github.com/goliatone/go-settlement-guard/query"
)

type Commands struct {
	RunReconciliation  *guardcommand.RunReconciliationCommand
	PurgeExpired       *guardcommand.PurgeExpiredCommand
	RecordOnChainEvent *guardcommand.RecordOnChainEventCommand
	UpsertLedgerEntity *guardcommand.UpsertLedgerEntityCommand
}

type Queries struct {
	LatestReport      *guardquery.LatestReportQuery
	ListDiscrepancies *guardquery.ListDiscrepanciesQuery
	LookupNonce       *guardquery.LookupNonceQuery
	LookupIdempotency *guardquery.LookupIdempotencyQuery
}

// Facade exposes the service's commands and queries, optionally subscribed on
// a go-command bus.
type Facade struct {
	service       *Service
	commands      Commands
	queries       Queries
	subscriptions gocommand.Subscriptions
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	bus        *gocommand.RegistryAdapter
	runnerOpts []runner.Option
}

// WithCommandBus registers every handler on adapter. Callers still own
// adapter.Initialize.
func WithCommandBus(adapter *gocommand.RegistryAdapter, runnerOpts ...runner.Option) FacadeOption {
	return func(options *facadeOptions) {
		options.bus = adapter
		options.runnerOpts = runnerOpts
	}
}

func NewFacade(service *Service, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("guard: service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	facade := &Facade{
		service:  service,
		commands: service.commands,
		queries:  service.queries,
	}
	if cfg.bus != nil {
		subs, err := gocommand.RegisterGuardHandlers(cfg.bus, facade.Handlers(), cfg.runnerOpts...)
		if err != nil {
			return nil, err
		}
		facade.subscriptions = subs
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() *Service {
	if f == nil {
		return nil
	}
	return f.service
}

func (f *Facade) Handlers() gocommand.Handlers {
	if f == nil {
		return gocommand.Handlers{}
	}
	return gocommand.Handlers{
		RunReconciliation:  f.commands.RunReconciliation,
		PurgeExpired:       f.commands.PurgeExpired,
		RecordOnChainEvent: f.commands.RecordOnChainEvent,
		UpsertLedgerEntity: f.commands.UpsertLedgerEntity,
		LatestReport:       f.queries.LatestReport,
		ListDiscrepancies:  f.queries.ListDiscrepancies,
		LookupNonce:        f.queries.LookupNonce,
		LookupIdempotency:  f.queries.LookupIdempotency,
	}
}

// Close releases bus subscriptions made by WithCommandBus.
func (f *Facade) Close() {
	if f == nil {
		return
	}
	f.subscriptions.Unsubscribe()
	f.subscriptions = nil
}
