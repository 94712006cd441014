package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"
)

// PostgresConfig configures the Postgres-backed settings store.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// PostgresStore persists settings to the lightpoll_settings table so several
// server replicas share filename keys and connection state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS lightpoll_settings (
    scope TEXT NOT NULL,
    key TEXT NOT NULL,
    value BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (scope, key)
)`

// NewPostgresStore opens a pool using the provided DSN and creates the table
// when it does not exist.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres settings dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres settings config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres settings pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure settings schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, scope, key string) ([]byte, bool, error) {
	if err := validateScope(scope); err != nil {
		return nil, false, err
	}
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM lightpoll_settings WHERE scope = $1 AND key = $2`, scope, key).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, translatePostgresError(err)
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, scope, key string, value []byte) error {
	if err := validateScope(scope); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO lightpoll_settings (scope, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (scope, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
`, scope, key, value)
	return translatePostgresError(err)
}

func (s *PostgresStore) Unset(ctx context.Context, scope, key string) error {
	if err := validateScope(scope); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM lightpoll_settings WHERE scope = $1 AND key = $2`, scope, key)
	return translatePostgresError(err)
}

func (s *PostgresStore) UnsetPrefix(ctx context.Context, scope, prefix string) (int, error) {
	if err := validateScope(scope); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM lightpoll_settings WHERE scope = $1 AND left(key, char_length($2)) = $2`, scope, prefix)
	if err != nil {
		return 0, translatePostgresError(err)
	}
	return int(tag.RowsAffected()), nil
}

// Close releases the pool, giving up when ctx is done first.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

func translatePostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, puddle.ErrClosedPool) {
		return ErrClosed
	}
	return err
}
