package storage

import (
	"context"
	"fmt"
	"time"
)

// Driver names accepted by Open.
const (
	DriverFile     = "file"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverEtcd     = "etcd"
	DriverPostgres = "postgres"
)

// Drivers lists every supported driver.
var Drivers = []string{DriverFile, DriverMemory, DriverRedis, DriverEtcd, DriverPostgres}

// Options selects and configures a backend.
type Options struct {
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`

	RedisURL string        `yaml:"redis_url,omitempty" json:"redis_url,omitempty"`
	RedisTTL time.Duration `yaml:"redis_ttl,omitempty" json:"redis_ttl,omitempty"`

	EtcdEndpoints   []string      `yaml:"etcd_endpoints,omitempty" json:"etcd_endpoints,omitempty"`
	EtcdDialTimeout time.Duration `yaml:"etcd_dial_timeout,omitempty" json:"etcd_dial_timeout,omitempty"`

	PostgresDSN   string `yaml:"postgres_dsn,omitempty" json:"postgres_dsn,omitempty"`
	PostgresTable string `yaml:"postgres_table,omitempty" json:"postgres_table,omitempty"`
}

// Open builds the backend named by opts.Driver, connecting to remote stores
// as needed.
func Open(ctx context.Context, opts Options) (Backend, error) {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	switch opts.Driver {
	case DriverFile, "":
		if opts.Path == "" {
			return nil, fmt.Errorf("storage: file driver requires a path")
		}
		return NewFileBackend(opts.Path), nil

	case DriverMemory:
		return NewMemoryBackend(), nil

	case DriverRedis:
		client, err := ConnectRedis(ctx, opts.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedisBackend(NewGoRedisClient(client),
			WithRedisPrefix(prefix),
			WithRedisTTL(opts.RedisTTL),
		), nil

	case DriverEtcd:
		client, err := ConnectEtcd(opts.EtcdEndpoints, opts.EtcdDialTimeout)
		if err != nil {
			return nil, err
		}
		return NewEtcdBackend(NewEtcdClient(client), prefix), nil

	case DriverPostgres:
		pool, err := ConnectPostgres(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b := NewPostgresBackend(pool,
			WithPostgresTable(opts.PostgresTable),
			WithPostgresPrefix(prefix),
			WithPostgresCloser(pool.Close),
		)
		if err := b.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return b, nil

	default:
		return nil, fmt.Errorf("storage: unknown driver %q", opts.Driver)
	}
}
