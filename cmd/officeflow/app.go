package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/definition"
	"github.com/pitabwire/officeflow/internal/history"
	"github.com/pitabwire/officeflow/internal/idempotency"
	"github.com/pitabwire/officeflow/internal/identity"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/internal/workflow"
)

// app holds the wired components shared by serve and recover.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	registry    *definition.Registry
	store       workflow.WorkflowStore
	directory   identity.Directory
	policy      *identity.StaticPolicy
	idempotency idempotency.Store
	engine      *workflow.Engine
	readiness   observability.ReadinessChecks

	pools   map[string]*pgxpool.Pool
	clients map[string]*redis.Client
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		pools:   make(map[string]*pgxpool.Pool),
		clients: make(map[string]*redis.Client),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. Workflow store.
	switch cfg.Workflow.Store.Driver {
	case config.DriverPostgres:
		pool, err := a.pool(ctx, cfg.Workflow.Store.DSNEnv)
		if err != nil {
			return nil, fmt.Errorf("workflow store: %w", err)
		}
		pg := workflow.NewPgWorkflowStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("workflow store: migrate: %w", err)
		}
		a.store = pg
	default:
		logger.Info("using in-memory workflow store")
		a.store = workflow.NewMemoryWorkflowStore()
	}
	if hc, ok := a.store.(observability.HealthChecker); ok {
		a.readiness.WorkflowStore = hc
	}

	// 2. Template registry, hydrated from Postgres when persistence is on.
	regOpts := []definition.Option{definition.WithLogger(logger)}
	var tmplStore *definition.PgTemplateStore
	if cfg.Definitions.Persist {
		pool, err := a.pool(ctx, cfg.Workflow.Store.DSNEnv)
		if err != nil {
			return nil, fmt.Errorf("template store: %w", err)
		}
		tmplStore = definition.NewPgTemplateStore(pool)
		if err := tmplStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("template store: migrate: %w", err)
		}
		regOpts = append(regOpts, definition.WithStore(tmplStore))
	}
	a.registry = definition.NewRegistry(regOpts...)
	if tmplStore != nil {
		if err := a.registry.Hydrate(ctx); err != nil {
			return nil, fmt.Errorf("template store: hydrate: %w", err)
		}
	}
	if err := a.loadTemplates(ctx, metrics); err != nil {
		return nil, err
	}
	a.readiness.TemplatesLoaded = func() bool { return len(a.registry.List()) > 0 }

	// 3. User directory and role policy.
	if a.directory, err = a.buildDirectory(ctx, metrics); err != nil {
		return nil, err
	}
	if hc, ok := a.directory.(observability.HealthChecker); ok {
		a.readiness.Directory = hc
	}
	if cfg.Identity.PolicyFile != "" {
		a.policy, err = identity.NewStaticPolicy(cfg.Identity.PolicyFile)
	} else {
		logger.Warn("no identity.policy_file configured, only administrators are granted permissions")
		a.policy, err = identity.NewStaticPolicyFromMap(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	// 4. Notifications.
	notifiers := history.Notifiers{history.NewLogNotifier(logger)}
	if cfg.Notifications.Driver == config.DriverRedis {
		client, err := a.redis(ctx, cfg.Notifications.AddrEnv, cfg.Notifications.DB)
		if err != nil {
			return nil, fmt.Errorf("notifications: %w", err)
		}
		stream := history.NewRedisNotifier(client, cfg.Notifications.Stream, cfg.Notifications.MaxLen)
		notifiers = append(notifiers, history.NewGuardedNotifier(stream, cfg.Notifications.BreakerFailures, cfg.Notifications.BreakerCooldown))
		a.readiness.EventStream = redisHealth{client}
	}

	// 5. Idempotency.
	if cfg.Idempotency.Enabled {
		switch cfg.Idempotency.Store.Driver {
		case config.DriverRedis:
			client, err := a.redis(ctx, cfg.Idempotency.Store.AddrEnv, cfg.Idempotency.Store.DB)
			if err != nil {
				return nil, fmt.Errorf("idempotency store: %w", err)
			}
			a.idempotency = idempotency.NewRedisStore(client)
		default:
			a.idempotency = idempotency.NewMemoryStore(10 * time.Minute)
		}
		a.readiness.IdempotencyStore = a.idempotency
	}

	// 6. Engine.
	a.engine = workflow.NewEngine(a.registry, a.store, a.directory,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithNotifier(notifiers),
		workflow.WithMaxCascadeHops(cfg.Workflow.MaxCascadeHops),
	)
	return a, nil
}

// loadTemplates registers every template file. Any definition error aborts
// start-up.
func (a *app) loadTemplates(ctx context.Context, metrics *observability.Metrics) error {
	srcs, err := definition.NewLoader().LoadAll(a.cfg.Definitions.Directories)
	if err != nil {
		return fmt.Errorf("template loading: %w", err)
	}
	for _, src := range srcs {
		if _, err := a.registry.Register(ctx, src.Template); err != nil {
			metrics.RecordTemplateRegistration("rejected")
			a.logger.Error("template rejected",
				zap.String("template_id", src.Template.ID),
				zap.String("file", src.SourceFile),
				zap.Error(err),
			)
			return fmt.Errorf("template %s: %w", src.SourceFile, err)
		}
		metrics.RecordTemplateRegistration("loaded")
	}
	metrics.SetTemplatesLoaded(float64(len(a.registry.List())))
	return nil
}

func (a *app) buildDirectory(ctx context.Context, metrics *observability.Metrics) (identity.Directory, error) {
	cfg := a.cfg.Identity.Directory

	var dir identity.Directory
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := a.pool(ctx, cfg.DSNEnv)
		if err != nil {
			return nil, fmt.Errorf("directory: %w", err)
		}
		pg := identity.NewPgDirectory(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("directory: migrate: %w", err)
		}
		dir = pg
	default:
		if cfg.UsersFile == "" {
			a.logger.Warn("in-memory directory has no users_file, every actor is unknown")
			dir = identity.NewMemoryDirectory()
			break
		}
		mem, err := identity.LoadMemoryDirectory(cfg.UsersFile)
		if err != nil {
			return nil, fmt.Errorf("directory: %w", err)
		}
		dir = mem
	}

	if cfg.CacheTTL > 0 {
		return identity.NewCachedDirectory(dir, cfg.CacheTTL).WithObserver(metrics), nil
	}
	return dir, nil
}

// pool returns a shared pgx pool for the DSN held in dsnEnv.
func (a *app) pool(ctx context.Context, dsnEnv string) (*pgxpool.Pool, error) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		return nil, fmt.Errorf("%s environment variable not set", dsnEnv)
	}
	if pool, ok := a.pools[dsn]; ok {
		return pool, nil
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if a.cfg.Workflow.Store.MaxConns > 0 {
		poolCfg.MaxConns = a.cfg.Workflow.Store.MaxConns
	}
	poolCfg.MaxConnLifetime = a.cfg.Workflow.Store.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	a.pools[dsn] = pool
	return pool, nil
}

// redis returns a shared client for the address held in addrEnv.
func (a *app) redis(ctx context.Context, addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	key := fmt.Sprintf("%s/%d", addr, db)
	if client, ok := a.clients[key]; ok {
		return client, nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping %s: %w", addr, err)
	}
	a.clients[key] = client
	return client, nil
}

// Close releases database pools and Redis clients.
func (a *app) Close() {
	for _, client := range a.clients {
		if err := client.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	for _, pool := range a.pools {
		pool.Close()
	}
}

type redisHealth struct {
	client *redis.Client
}

func (h redisHealth) HealthCheck(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}
