package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const DefaultMaxConns = 10

// Options sizes the connection pool. MinConns is clamped to MaxConns.
type Options struct {
	MaxConns int32
	MinConns int32
}

func poolConfig(connectionString string, opts Options) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	if opts.MaxConns < 1 {
		opts.MaxConns = DefaultMaxConns
	}
	config.MaxConns = opts.MaxConns
	config.MinConns = min(max(opts.MinConns, 0), opts.MaxConns)
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	return config, nil
}

func NewClient(ctx context.Context, connectionString string, opts Options, logger logrus.FieldLogger) (*pgxpool.Pool, error) {
	config, err := poolConfig(connectionString, opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Ping to verify connection using a short timeout context
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":      config.ConnConfig.Host,
		"database":  config.ConnConfig.Database,
		"max_conns": config.MaxConns,
	}).Info("Connected to PostgreSQL")
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS violations (
	id BIGSERIAL PRIMARY KEY,
	camera_id TEXT NOT NULL,
	violation_type TEXT NOT NULL,
	image_url TEXT NOT NULL,
	job_key TEXT NOT NULL,
	timestamp TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	UNIQUE (job_key, violation_type)
);
CREATE INDEX IF NOT EXISTS violations_camera_ts_idx ON violations (camera_id, timestamp DESC);
`

// RunMigrations creates necessary tables if they don't exist
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create violations table: %w", err)
	}
	return nil
}
