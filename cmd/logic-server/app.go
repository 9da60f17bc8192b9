package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/logic/internal/config"
	"github.com/ehr/logic/internal/datasource/obs"
	"github.com/ehr/logic/internal/datasource/person"
	"github.com/ehr/logic/internal/domain/ruledef"
	"github.com/ehr/logic/internal/logic"
	"github.com/ehr/logic/internal/platform/db"
	"github.com/ehr/logic/internal/platform/events"
	"github.com/ehr/logic/internal/platform/metrics"
	"github.com/ehr/logic/internal/platform/resultcache"
	"github.com/ehr/logic/internal/platform/websocket"
	"github.com/ehr/logic/migrations"
)

// newLogger writes JSON to stdout, or console output in development.
func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	sqlDB   *sql.DB
	repo    ruledef.Repository
	engine  *logic.Service
	rules   *ruledef.Service
	stream  *websocket.Hub
	metrics *metrics.Metrics
	cache   *resultcache.Redis
	bus     events.Bus
}

type appOptions struct {
	// shared enables the Redis result cache and NATS registry sync when
	// they are configured.
	shared bool
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		logger.Info().Msg("connected to database")
	}

	switch cfg.RuleStore {
	case config.RuleStoreSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.sqlDB = sqlDB
		a.repo = ruledef.NewRepoSQLite(sqlDB)
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite rule store")
	default:
		if a.pool == nil {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres rule store")
		}
		a.repo = ruledef.NewRepoPG(a.pool)
	}
	return a, nil
}

// openApp opens the rule store, builds the engine and loads stored rules.
func openApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts appOptions) (*app, error) {
	a, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.metrics = metrics.New()
	if a.pool != nil {
		metrics.RegisterPoolMetrics(a.metrics.Registry, a.pool)
	}

	if opts.shared && cfg.RedisURL != "" {
		cache, err := resultcache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.cache = cache
		logger.Info().Msg("shared result cache enabled")
	}
	if opts.shared && cfg.NATSURL != "" {
		bus, err := events.NewNATSBus(events.NATSConfig{URL: cfg.NATSURL, Subject: cfg.NATSSubject}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.bus = bus
		logger.Info().Str("subject", cfg.NATSSubject).Msg("registry sync enabled")
	}

	engineOpts := logic.Options{
		EvalTimeout:  cfg.EvalTimeout,
		BatchWorkers: cfg.BatchWorkers,
		Recorder:     a.metrics,
	}
	if a.cache != nil {
		cache := a.cache
		engineOpts.Cache = func() logic.ResultCache { return cache }
	}
	a.engine = logic.NewService(logger, engineOpts)

	if a.pool != nil {
		if err := a.engine.RegisterDataSource(obs.Name, obs.NewDataSource(obs.NewRepoPG(a.pool))); err != nil {
			a.Close()
			return nil, err
		}
		if err := a.engine.RegisterDataSource(person.Name, person.NewDataSource(person.NewRepoPG(a.pool))); err != nil {
			a.Close()
			return nil, err
		}
	} else {
		logger.Warn().Msg("DATABASE_URL not set: obs and person data sources disabled")
	}

	a.stream = websocket.NewHub(logger)
	ruleOpts := []ruledef.Option{
		ruledef.WithDefaultTTL(cfg.DefaultRuleTTL),
		ruledef.WithEventRecorder(a.metrics),
		ruledef.WithListener(a.stream),
	}
	if a.bus != nil {
		ruleOpts = append(ruleOpts, ruledef.WithBus(a.bus))
	}
	if a.cache != nil {
		ruleOpts = append(ruleOpts, ruledef.WithInvalidator(a.cache))
	}
	a.rules = ruledef.NewService(a.repo, a.engine, logger, ruleOpts...)

	if _, err := a.rules.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) pinger() db.Pinger {
	if a.sqlDB != nil {
		return db.SQLPinger{DB: a.sqlDB}
	}
	return a.pool
}

// migrator applies the rule store's migrations. A MIGRATIONS_DIR present on
// disk overrides the embedded files.
func (a *app) migrator() *db.Migrator {
	var fsys fs.FS = migrations.FS
	if st, err := os.Stat(a.cfg.MigrationsDir); err == nil && st.IsDir() {
		fsys = os.DirFS(a.cfg.MigrationsDir)
	}
	dir := migrations.Dir(a.cfg.RuleStore)
	if a.sqlDB != nil {
		return db.NewMigrator(db.NewSQLiteMigrationStore(a.sqlDB), fsys, dir)
	}
	return db.NewMigrator(db.NewPGMigrationStore(a.pool), fsys, dir)
}

func (a *app) Close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close event bus")
		}
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.sqlDB != nil {
		a.sqlDB.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
