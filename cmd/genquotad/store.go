package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ineyio/genquota"
	"github.com/ineyio/genquota/quota"
	quotaetcd "github.com/ineyio/genquota/quota/etcd"
	quotapg "github.com/ineyio/genquota/quota/postgres"
	quotaredis "github.com/ineyio/genquota/quota/redis"
	quotaspanner "github.com/ineyio/genquota/quota/spanner"
)

// openStore connects the configured backend. The returned func releases
// the backend's client.
func openStore(ctx context.Context, cfg genquota.StoreConfig) (genquota.Store, func(), error) {
	switch cfg.Backend {
	case genquota.BackendMemory:
		return quota.NewMemoryStore(), func() {}, nil

	case genquota.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis: ping %s: %w", cfg.Redis.Addr, err)
		}
		var opts []quotaredis.Option
		if cfg.Redis.KeyPrefix != "" {
			opts = append(opts, quotaredis.WithKeyPrefix(cfg.Redis.KeyPrefix))
		}
		return quotaredis.New(client, cfg.Key, opts...), func() { _ = client.Close() }, nil

	case genquota.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: connect: %w", err)
		}
		var opts []quotapg.Option
		if cfg.Postgres.TablePrefix != "" {
			opts = append(opts, quotapg.WithTablePrefix(cfg.Postgres.TablePrefix))
		}
		store := quotapg.New(pool, cfg.Key, opts...)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	case genquota.BackendEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("etcd: connect: %w", err)
		}
		var opts []quotaetcd.Option
		if cfg.Etcd.KeyPrefix != "" {
			opts = append(opts, quotaetcd.WithKeyPrefix(cfg.Etcd.KeyPrefix))
		}
		return quotaetcd.New(client, cfg.Key, opts...), func() { _ = client.Close() }, nil

	case genquota.BackendSpanner:
		client, err := spanner.NewClient(ctx, cfg.Spanner.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("spanner: connect: %w", err)
		}
		var opts []quotaspanner.Option
		if cfg.Spanner.Table != "" {
			opts = append(opts, quotaspanner.WithTable(cfg.Spanner.Table))
		}
		return quotaspanner.New(client, cfg.Key, opts...), client.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
