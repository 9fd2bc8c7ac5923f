package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"

	"study-init/backend/internal/config"
	"study-init/backend/internal/dataset"
	"study-init/backend/internal/hub"
	"study-init/backend/internal/logging"
	"study-init/backend/internal/mapping"
	"study-init/backend/internal/observability"
	"study-init/backend/internal/orchestrator"
	"study-init/backend/internal/repository"
	"study-init/backend/internal/services"
	"study-init/backend/internal/templates"
)

// app is the wired service shared by the serve and reap commands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	db        *pgxpool.Pool
	store     repository.Repository
	templates services.TemplateRequirements
	engine    *mapping.Engine
	hub       *hub.Hub
	orch      *orchestrator.Orchestrator
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.LoadConfig(opts.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Log.Level, cfg.IsDev())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"db_driver", cfg.DB.Driver,
		"okta_domain", cfg.Auth.OktaDomain,
		"config_file", viper.ConfigFileUsed(),
	)

	a := &app{cfg: cfg, logger: logger}
	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	if cfg.Templates.ServiceURL != "" {
		a.templates = services.NewHTTPTemplateClient(cfg.Templates.ServiceURL, cfg.Templates.Timeout)
		logger.Info("Using template service", "url", cfg.Templates.ServiceURL)
	} else {
		a.templates = templates.NewCatalog(cfg.Templates.Dir)
		logger.Info("Using template catalog", "dir", cfg.Templates.Dir)
	}

	a.engine, err = mapping.NewEngine(a.store, a.store, mapping.Config(cfg.Mapping))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("invalid mapping configuration: %w", err)
	}

	metrics, err := observability.NewMetrics(nil)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	a.hub = hub.New(a.store, logger.With("component", "hub"), metrics, hub.Config(cfg.Hub))

	extractor := dataset.NewExtractor()
	a.orch, err = orchestrator.New(orchestrator.Deps{
		Store:     a.store,
		Schemas:   a.store,
		Engine:    a.engine,
		Templates: a.templates,
		Ingester:  extractor,
		Extractor: extractor,
		Publisher: a.hub,
		Logger:    logger.With("component", "orchestrator"),
		Metrics:   metrics,
	}, orchestrator.Config{
		Workers:      cfg.Orchestrator.Workers,
		QueueSize:    cfg.Orchestrator.QueueSize,
		StuckTimeout: cfg.Orchestrator.StuckTimeout,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) initStore(ctx context.Context) error {
	switch a.cfg.DB.Driver {
	case "memory":
		a.logger.Warn("Using in-memory store, state is lost on restart")
		a.store = repository.NewMemoryStore()
		return nil
	case "postgres", "":
	default:
		return fmt.Errorf("unsupported db.driver %q", a.cfg.DB.Driver)
	}

	db, err := initDatabase(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	if err := repository.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	a.db = db
	a.store = repository.NewPostgresStore(db)
	a.logger.Info("Database connected", "host", a.cfg.DB.Host, "name", a.cfg.DB.Name)
	return nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	_ = a.logger.Sync()
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
