package settings

import (
	"context"
	"fmt"
	"strings"
)

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects and configures a settings backend.
type Config struct {
	Driver     string
	Redis      RedisConfig
	Postgres   PostgresConfig
	SQLitePath string
}

// Open constructs the backend named by cfg.Driver. An empty driver selects
// the in-memory store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverRedis:
		return NewRedisStore(ctx, cfg.Redis)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.Postgres)
	case DriverSQLite:
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported settings driver %q", cfg.Driver)
	}
}
