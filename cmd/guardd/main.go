package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	guard "github.com/goliatone/go-settlement-guard"
	"github.com/goliatone/go-settlement-guard/core"
	"github.com/goliatone/go-settlement-guard/migrations"
)

func main() {
	var cfgPath string
	var addr string
	var skipMigrations bool
	var logLevel string
	flag.StringVar(&cfgPath, "config", "", "path to a yaml configuration file")
	flag.StringVar(&addr, "addr", ":8080", "listen address")
	flag.BoolVar(&skipMigrations, "skip-migrations", false, "do not apply sql migrations on start")
	flag.StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	flag.Parse()

	logger := newLogger(logLevel, os.Stdout)
	if err := run(cfgPath, addr, !skipMigrations, logger); err != nil {
		logger.Error("guardd stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfgPath string, addr string, migrate bool, logger *glog.BaseLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	raw, err := loadRawConfig(cfgPath)
	if err != nil {
		return err
	}
	provider := core.NewCfgxConfigProvider(core.StaticRawConfigLoader{Values: raw})
	cfg, err := core.ResolveConfig(ctx, core.Config{}, provider, core.GoOptionsResolver{})
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}

	opts := []guard.Option{
		guard.WithLogger(logger),
		guard.WithLoggerProvider(logger),
		guard.WithConfigProvider(provider),
	}
	if cfg.StoreDriver() == core.StoreDriverSQL || strings.TrimSpace(cfg.Store.DSN) != "" {
		client, err := openPersistence(ctx, cfg.Store, migrate)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, guard.WithPersistenceClient(client))
	}

	svc, err := guard.NewService(core.Config{}, opts...)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 2)
	go func() {
		logger.Info("guardd listening", "addr", addr, "store", cfg.StoreDriver())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	go func() {
		errs <- svc.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil {
			stop()
			shutdown(server, logger)
			return err
		}
	}
	shutdown(server, logger)
	return nil
}

func shutdown(server *http.Server, logger *glog.BaseLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err.Error())
	}
}

type persistenceConfig struct {
	driver string
	dsn    string
}

func (c persistenceConfig) GetDebug() bool { return false }
func (c persistenceConfig) GetDriver() string { return c.driver }
func (c persistenceConfig) GetServer() string { return c.dsn }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string { return "settlement-guard" }

func openPersistence(ctx context.Context, store core.StoreConfig, migrate bool) (*persistence.Client, error) {
	driver := strings.ToLower(strings.TrimSpace(store.SQLDriver))
	if driver == "" {
		driver = "postgres"
	}
	dsn := strings.TrimSpace(store.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("store.dsn is required for the sql driver")
	}
	dialect, err := migrations.DialectForDriver(driver)
	if err != nil {
		return nil, err
	}
	var bunDialect schema.Dialect = pgdialect.New()
	if dialect == migrations.DialectSQLite {
		bunDialect = sqlitedialect.New()
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == migrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{driver: driver, dsn: dsn}, sqlDB, bunDialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("persistence client: %w", err)
	}
	if migrate {
		if err := migrations.Apply(ctx, client, dialect); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	return client, nil
}
