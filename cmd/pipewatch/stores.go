package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/alecgard/pipewatch/internal/api"
	"github.com/alecgard/pipewatch/internal/config"
	"github.com/alecgard/pipewatch/internal/history"
	"github.com/alecgard/pipewatch/internal/monitor"
)

// historyStore records and lists run results.
type historyStore interface {
	history.Recorder
	history.Lister
}

// backends holds the optional connections opened for the configured stores.
type backends struct {
	schedules monitor.Store
	results   historyStore
	checks    map[string]api.HealthCheck
	closers   []func(context.Context) error
}

func (b *backends) close(ctx context.Context) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			slog.Error("closing backend", "error", err)
		}
	}
}

// openBackends connects the schedule and history stores named in cfg.
func openBackends(ctx context.Context, cfg *config.Config, db *pgxpool.Pool) (*backends, error) {
	b := &backends{
		checks: map[string]api.HealthCheck{"database": db.Ping},
	}

	switch cfg.Monitoring.Store {
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("pinging redis: %w", err)
		}
		b.closers = append(b.closers, func(context.Context) error { return rdb.Close() })
		b.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		b.schedules = monitor.NewRedisStore(rdb, cfg.Redis.Prefix)
		slog.Info("schedule store", "backend", "redis")
	case config.BackendMemory:
		b.schedules = monitor.NewMemoryStore()
		slog.Warn("schedule store is in memory; schedules are lost on restart")
	default:
		b.schedules = monitor.NewPGStore(db)
		slog.Info("schedule store", "backend", "postgres")
	}

	switch cfg.History.Backend {
	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("connecting to mongo: %w", err)
		}
		b.closers = append(b.closers, client.Disconnect)
		if err := client.Ping(ctx, nil); err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("pinging mongo: %w", err)
		}
		b.checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }

		store := history.NewMongoStore(client, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err := store.EnsureIndexes(ctx); err != nil {
			b.close(ctx)
			return nil, err
		}
		b.results = store
		slog.Info("history store", "backend", "mongo")
	case config.BackendMemory:
		b.results = history.NewMemoryStore()
		slog.Warn("history store is in memory; results are lost on restart")
	default:
		b.results = history.NewPGStore(db)
		slog.Info("history store", "backend", "postgres")
	}

	return b, nil
}
