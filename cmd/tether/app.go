package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/tether/internal/cache"
	"github.com/oriys/tether/internal/config"
	"github.com/oriys/tether/internal/db"
	"github.com/oriys/tether/internal/logging"
	"github.com/oriys/tether/internal/metrics"
	"github.com/oriys/tether/internal/mutation"
	"github.com/oriys/tether/internal/observability"
	"github.com/oriys/tether/internal/replication"
	"github.com/oriys/tether/internal/schema"
)

// app holds what every command needs once configuration is loaded.
type app struct {
	cfg      *config.Config
	manager  *db.Manager
	resolver schema.Resolver
	closers  []func() error
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	if logLevel != "" {
		cfg.Observability.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	logCfg := cfg.Observability.Logging
	closeLog, err := logging.InitStructured(logCfg.Format, logCfg.Level, logCfg.File)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	a.closers = append(a.closers, closeLog)

	tr := cfg.Observability.Tracing
	if err := observability.Init(ctx, observability.Config{
		Enabled:     tr.Enabled,
		Exporter:    tr.Exporter,
		Endpoint:    tr.Endpoint,
		ServiceName: "tether",
		SampleRate:  tr.SampleRate,
	}); err != nil {
		a.Close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return observability.Shutdown(context.Background()) })

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, nil)
	}

	a.manager = db.NewManager(&db.PostgresOpener{ConnStrings: cfg.ConnStrings()})

	resolver, err := a.schemaResolver(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.resolver = resolver
	return a, nil
}

// schemaResolver returns the catalog resolver, wrapped in the descriptor
// cache when it is enabled.
func (a *app) schemaResolver(ctx context.Context) (schema.Resolver, error) {
	sc := a.cfg.SchemaCache
	if !sc.Enabled {
		return schema.Catalog{}, nil
	}
	ttl, err := sc.TTLDuration()
	if err != nil {
		return nil, err
	}

	var c cache.Cache = cache.NewMemoryCache()
	if sc.Redis {
		rc := cache.NewRedisCache(cache.RedisCacheConfig{
			Addr:      a.cfg.Redis.Addr,
			Password:  a.cfg.Redis.Password,
			DB:        a.cfg.Redis.DB,
			KeyPrefix: a.cfg.Redis.KeyPrefix,
		})
		if err := rc.Ping(ctx); err != nil {
			logging.Op().Warn("redis schema cache unavailable, using memory only", "addr", a.cfg.Redis.Addr, "error", err)
			rc.Close()
		} else {
			c = cache.NewTieredCache(c, rc, 0)
		}
	}
	a.closers = append(a.closers, c.Close)
	logging.Op().Info("schema cache enabled", "ttl", ttl, "redis", sc.Redis)
	return schema.NewCached(c, ttl), nil
}

func (a *app) replicationEngine() (*replication.Engine, error) {
	rc := a.cfg.Replication
	strategies := make(map[string]replication.Strategy, len(rc.Strategies))
	for table, name := range rc.Strategies {
		s, err := replication.ParseStrategy(name)
		if err != nil {
			return nil, fmt.Errorf("replication.strategies.%s: %w", table, err)
		}
		strategies[table] = s
	}
	return replication.NewEngine(a.manager, a.resolver, replication.Options{
		SourceID:      config.SourceDB,
		TargetID:      config.TargetDB,
		VersionColumn: rc.VersionColumn,
		RowFailure:    replication.RowFailurePolicy(rc.RowFailurePolicy),
		Groups:        rc.Groups,
		Strategies:    strategies,
	}), nil
}

func (a *app) mutationEngine() *mutation.Engine {
	return mutation.NewEngine(a.manager, a.resolver, config.TargetDB)
}

// Close releases everything newApp acquired, in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
