package guard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-settlement-guard/adapters/gologger"
	guardcommand "github.com/goliatone/go-settlement-guard/command"
	"github.com/goliatone/go-settlement-guard/core"
	"github.com/goliatone/go-settlement-guard/idempotency"
	"github.com/goliatone/go-settlement-guard/observability"
	"github.com/goliatone/go-settlement-guard/providers/chainlink"
	"github.com/goliatone/go-settlement-guard/providers/clearstream"
	"github.com/goliatone/go-settlement-guard/providers/euroclear"
	guardquery "github.com/goliatone/go-settlement-guard/query"
	"github.com/goliatone/go-settlement-guard/reconcile"
	redisstore "github.com/goliatone/go-settlement-guard/store/redis"
	sqlstore "github.com/goliatone/go-settlement-guard/store/sql"
	"github.com/goliatone/go-settlement-guard/transport"
	"github.com/goliatone/go-settlement-guard/webhooks"
)

type Config = core.Config

// OnChainStore records oracle-observed events and serves them back as the
// on-chain snapshot.
type OnChainStore interface {
	guardcommand.OnChainRecorder
	core.OnChainSource
}

// LedgerStore holds custodian settlement rows and serves them back as the
// ledger snapshot.
type LedgerStore interface {
	guardcommand.LedgerWriter
	FindByReference(ctx context.Context, reference string) (core.LedgerEntity, bool, error)
	core.LedgerSource
}

type ReportStore interface {
	core.ReportSink
	core.ReportReader
}

type Option func(*serviceBuilder)

type serviceBuilder struct {
	runtimeConfig     Config
	logger            core.Logger
	loggerProvider    core.LoggerProvider
	metricsRecorder   core.MetricsRecorder
	configProvider    core.ConfigProvider
	optionsResolver   core.OptionsResolver
	conditionalStore  core.ConditionalStore
	persistenceClient *persistence.Client
	redisClient       redis.UniversalClient
	onChainStore      OnChainStore
	ledgerStore       LedgerStore
	reportStore       ReportStore
	now               func() time.Time
	eventIDs          func() string
}

func WithLogger(logger core.Logger) Option {
	return func(b *serviceBuilder) { b.logger = logger }
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *serviceBuilder) { b.loggerProvider = provider }
}

// WithMetricsRecorder replaces the default prometheus recorder. /metrics is
// only mounted when the recorder is a *observability.PrometheusRecorder.
func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(b *serviceBuilder) { b.metricsRecorder = recorder }
}

func WithConfigProvider(provider core.ConfigProvider) Option {
	return func(b *serviceBuilder) { b.configProvider = provider }
}

func WithOptionsResolver(resolver core.OptionsResolver) Option {
	return func(b *serviceBuilder) { b.optionsResolver = resolver }
}

// WithConditionalStore bypasses store.driver selection.
func WithConditionalStore(store core.ConditionalStore) Option {
	return func(b *serviceBuilder) { b.conditionalStore = store }
}

// WithPersistenceClient backs snapshots and reports with SQL. The schema must
// already be migrated.
func WithPersistenceClient(client *persistence.Client) Option {
	return func(b *serviceBuilder) { b.persistenceClient = client }
}

func WithRedisClient(client redis.UniversalClient) Option {
	return func(b *serviceBuilder) { b.redisClient = client }
}

func WithSnapshotStores(onChain OnChainStore, ledger LedgerStore) Option {
	return func(b *serviceBuilder) {
		b.onChainStore = onChain
		b.ledgerStore = ledger
	}
}

func WithReportStore(store ReportStore) Option {
	return func(b *serviceBuilder) { b.reportStore = store }
}

// WithClock injects the time source into every time-dependent component.
func WithClock(now func() time.Time) Option {
	return func(b *serviceBuilder) { b.now = now }
}

func WithEventIDGenerator(fn func() string) Option {
	return func(b *serviceBuilder) { b.eventIDs = fn }
}

// Service is the assembled settlement guard.
type Service struct {
	config          Config
	logger          core.Logger
	loggerProvider  core.LoggerProvider
	metricsRecorder core.MetricsRecorder
	prometheus      *observability.PrometheusRecorder
	store           core.ConditionalStore
	repositories    *sqlstore.RepositoryFactory
	nonces          *core.NonceLedger
	verifier        webhooks.SignatureVerifier
	dispatcher      *webhooks.Dispatcher
	idempotency     *idempotency.Cache
	onChain         OnChainStore
	ledger          LedgerStore
	reports         ReportStore
	runner          *reconcile.Runner
	server          *transport.Server
	commands        Commands
	queries         Queries
	now             func() time.Time
}

type Dependencies struct {
	Logger            core.Logger
	LoggerProvider    core.LoggerProvider
	MetricsRecorder   core.MetricsRecorder
	ConditionalStore  core.ConditionalStore
	RepositoryFactory *sqlstore.RepositoryFactory
	NonceLedger       *core.NonceLedger
	Dispatcher        *webhooks.Dispatcher
	Idempotency       *idempotency.Cache
	OnChainStore      OnChainStore
	LedgerStore       LedgerStore
	ReportStore       ReportStore
	Runner            *reconcile.Runner
	Server            *transport.Server
}

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := serviceBuilder{runtimeConfig: cfg}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}
	if builder.now == nil {
		builder.now = core.SystemClock
	}
	if builder.configProvider == nil {
		builder.configProvider = core.NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = core.GoOptionsResolver{}
	}

	ctx := context.Background()
	finalConfig, err := core.ResolveConfig(ctx, builder.runtimeConfig, builder.configProvider, builder.optionsResolver)
	if err != nil {
		return nil, err
	}

	provider, logger := gologger.Resolve(gologger.DefaultName, builder.loggerProvider, builder.logger)
	logger = gologger.Component(provider, logger, gologger.DefaultName)

	var promRecorder *observability.PrometheusRecorder
	if builder.metricsRecorder == nil {
		promRecorder = observability.NewPrometheusRecorder(nil)
		builder.metricsRecorder = promRecorder
	} else if recorder, ok := builder.metricsRecorder.(*observability.PrometheusRecorder); ok {
		promRecorder = recorder
	}
	observer := func(component string) *core.Observer {
		return core.NewObserver(component, provider, nil, builder.metricsRecorder)
	}

	svc := &Service{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		prometheus:      promRecorder,
		now:             builder.now,
	}

	if builder.persistenceClient != nil {
		factory, err := sqlstore.NewRepositoryFactoryFromPersistence(builder.persistenceClient)
		if err != nil {
			return nil, err
		}
		svc.repositories = factory
	}
	if svc.store, err = builder.resolveConditionalStore(ctx, finalConfig, svc.repositories); err != nil {
		return nil, err
	}
	if err := builder.resolveSnapshotStores(finalConfig, svc.repositories); err != nil {
		return nil, err
	}
	svc.onChain = builder.onChainStore
	svc.ledger = builder.ledgerStore
	svc.reports = builder.reportStore

	svc.nonces = core.NewNonceLedger(svc.store, finalConfig.TimestampTolerance(), finalConfig.NonceTTL())
	svc.nonces.Now = builder.now
	svc.verifier = webhooks.NewSignatureVerifier(finalConfig.TimestampTolerance())
	svc.verifier.Now = builder.now

	dispatcherOpts := []webhooks.Option{
		webhooks.WithNonceTTL(finalConfig.NonceTTL()),
		webhooks.WithObserver(observer("webhooks")),
		webhooks.WithClock(builder.now),
	}
	if builder.eventIDs != nil {
		dispatcherOpts = append(dispatcherOpts, webhooks.WithEventIDGenerator(builder.eventIDs))
	}
	svc.dispatcher = webhooks.NewDispatcher(svc.verifier, svc.nonces, dispatcherOpts...)

	svc.idempotency = idempotency.NewCache(
		svc.store,
		idempotency.WithRetention(finalConfig.IdempotencyRetention()),
		idempotency.WithLease(finalConfig.InFlightLease()),
		idempotency.WithWait(finalConfig.IdempotencyWait(), finalConfig.IdempotencyPoll()),
		idempotency.WithObserver(observer("idempotency")),
	)
	svc.idempotency.Now = builder.now

	svc.runner = reconcile.NewRunner(svc.onChain, svc.ledger, svc.reports)
	svc.runner.Observer = observer("reconcile")
	svc.runner.Now = builder.now
	svc.runner.Engine.Now = builder.now
	svc.runner.Reporter.Now = builder.now

	svc.commands = Commands{
		RunReconciliation:  guardcommand.NewRunReconciliationCommand(svc.runner),
		PurgeExpired:       guardcommand.NewPurgeExpiredCommand(svc),
		RecordOnChainEvent: guardcommand.NewRecordOnChainEventCommand(svc.onChain),
		UpsertLedgerEntity: guardcommand.NewUpsertLedgerEntityCommand(svc.ledger),
	}
	svc.queries = Queries{
		LatestReport:      guardquery.NewLatestReportQuery(svc.reports),
		ListDiscrepancies: guardquery.NewListDiscrepanciesQuery(svc.reports),
		LookupNonce:       guardquery.NewLookupNonceQuery(svc.nonces),
		LookupIdempotency: guardquery.NewLookupIdempotencyQuery(svc.idempotency),
	}

	if err := svc.registerSources(); err != nil {
		return nil, err
	}

	svc.server = transport.NewServer(svc.dispatcher)
	svc.server.Idempotency = svc.idempotency
	svc.server.Reconciler = svc.runner
	svc.server.Reports = svc.reports
	svc.server.MaxBodyBytes = finalConfig.Webhooks.MaxBodyBytes
	svc.server.Now = builder.now
	if promRecorder != nil {
		svc.server.Metrics = promRecorder.Handler()
	}

	logger.Info("settlement guard assembled",
		"service", finalConfig.ServiceName,
		"store", finalConfig.StoreDriver(),
		"sql_snapshots", svc.repositories != nil,
		"sources", len(svc.dispatcher.Sources()),
	)
	return svc, nil
}

// New is an alias of NewService.
func New(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func (b *serviceBuilder) resolveConditionalStore(
	ctx context.Context,
	cfg Config,
	repositories *sqlstore.RepositoryFactory,
) (core.ConditionalStore, error) {
	if b.conditionalStore != nil {
		return b.conditionalStore, nil
	}
	switch cfg.StoreDriver() {
	case core.StoreDriverSQL:
		if repositories == nil {
			return nil, fmt.Errorf("guard: store.driver %q requires a persistence client", core.StoreDriverSQL)
		}
		store := repositories.ConditionalStore()
		store.Now = b.now
		return store, nil
	case core.StoreDriverRedis:
		client := b.redisClient
		if client == nil {
			if cfg.Store.RedisAddr == "" {
				return nil, fmt.Errorf("guard: store.driver %q requires a redis client or store.redis_addr", core.StoreDriverRedis)
			}
			connected, err := redisstore.Connect(ctx, cfg.Store.RedisAddr)
			if err != nil {
				return nil, err
			}
			client = connected
		}
		store, err := redisstore.NewConditionalStore(client, cfg.Store.RedisPrefix)
		if err != nil {
			return nil, err
		}
		store.Now = b.now
		return store, nil
	default:
		store := core.NewMemoryConditionalStore()
		store.Now = b.now
		return store, nil
	}
}

func (b *serviceBuilder) resolveSnapshotStores(cfg Config, repositories *sqlstore.RepositoryFactory) error {
	if repositories != nil {
		if b.onChainStore == nil {
			b.onChainStore = repositories.OnChainEventStore()
		}
		if b.ledgerStore == nil {
			b.ledgerStore = repositories.LedgerEntityStore()
		}
		if b.reportStore == nil {
			reports, err := cachedReports(repositories.DiscrepancyStore(), cfg.ReportCacheTTL())
			if err != nil {
				return err
			}
			b.reportStore = reports
		}
		return nil
	}
	if b.onChainStore == nil || b.ledgerStore == nil {
		snapshots := reconcile.NewMemorySnapshotStore()
		snapshots.Now = b.now
		if b.onChainStore == nil {
			b.onChainStore = snapshots
		}
		if b.ledgerStore == nil {
			b.ledgerStore = snapshots
		}
	}
	if b.reportStore == nil {
		b.reportStore = reconcile.NewMemoryReportStore()
	}
	return nil
}

func cachedReports(base ReportStore, ttl time.Duration) (ReportStore, error) {
	if ttl <= 0 {
		return base, nil
	}
	config := repositorycache.DefaultConfig()
	config.TTL = ttl
	cacheService, err := repositorycache.NewCacheService(config)
	if err != nil {
		return nil, fmt.Errorf("guard: report cache: %w", err)
	}
	return sqlstore.NewCachedReportStore(base, cacheService)
}

func (s *Service) registerSources() error {
	templates := []webhooks.SourceTemplate{
		euroclear.NewWebhookTemplate(s.config.Secret(core.SourceEuroclear)),
		clearstream.NewWebhookTemplate(s.config.Secret(core.SourceClearstream)),
		chainlink.NewWebhookTemplate(s.config.Secret(core.SourceChainlink)),
	}
	handlers := []webhooks.Handler{
		webhooks.HandlerFunc(s.handleSettlementConfirmation),
		webhooks.HandlerFunc(s.handleSettlementConfirmation),
		webhooks.HandlerFunc(s.handleOracleReport),
	}
	for i, template := range templates {
		if template.Secret == "" {
			s.logger.Warn("webhook source disabled: no secret configured", "source", template.Source.String())
			continue
		}
		if err := s.dispatcher.Register(template, handlers[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() Dependencies {
	if s == nil {
		return Dependencies{}
	}
	return Dependencies{
		Logger:            s.logger,
		LoggerProvider:    s.loggerProvider,
		MetricsRecorder:   s.metricsRecorder,
		ConditionalStore:  s.store,
		RepositoryFactory: s.repositories,
		NonceLedger:       s.nonces,
		Dispatcher:        s.dispatcher,
		Idempotency:       s.idempotency,
		OnChainStore:      s.onChain,
		LedgerStore:       s.ledger,
		ReportStore:       s.reports,
		Runner:            s.runner,
		Server:            s.server,
	}
}

func (s *Service) Server() *transport.Server {
	if s == nil {
		return nil
	}
	return s.server
}

// Handler returns the HTTP surface: webhooks, reconciliation, metrics.
func (s *Service) Handler() http.Handler {
	return s.Server().Router()
}

func (s *Service) Runner() *reconcile.Runner {
	if s == nil {
		return nil
	}
	return s.runner
}

// PurgeExpired drops expired nonces and idempotency records. Both live in the
// same conditional store.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	if s == nil || s.store == nil {
		return 0, fmt.Errorf("guard: service is not configured")
	}
	return s.store.PurgeExpired(ctx)
}

// Start runs scheduled reconciliation and the purge loop until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("guard: service is not configured")
	}
	errs := make(chan error, 2)
	go func() {
		errs <- s.runner.Schedule(ctx, s.config.ReconciliationInterval(), s.config.ReconciliationWindow())
	}()
	go func() {
		errs <- s.purgeLoop(ctx, s.config.NonceTTL())
	}()
	first := <-errs
	second := <-errs
	for _, err := range []error{first, second} {
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return nil
}

func (s *Service) purgeLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("guard: purge interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := s.PurgeExpired(ctx)
			if err != nil {
				s.logger.Error("purge expired state failed", "error", err.Error())
				continue
			}
			s.logger.Debug("purged expired state", "removed", removed)
		}
	}
}
