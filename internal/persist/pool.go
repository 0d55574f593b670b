// Package persist writes validated batches into the central PostgreSQL
// store. The primary path is a single bulk upsert round trip; when the
// bulk statement fails, the batch is retried record by record so one bad
// record never sinks its batch.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StoreConfig holds the downstream store connection settings.
type StoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Schema   string `yaml:"schema"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
}

// PoolStats contains connection pool statistics exposed to operators.
type PoolStats struct {
	MaxConns          int32
	TotalConns        int32
	AcquiredConns     int32
	IdleConns         int32
	AcquireCount      int64
	EmptyAcquireCount int64
}

// Pool manages the bounded set of reusable store connections. Idle
// eviction and health checks are delegated to pgxpool; acquisition blocks
// up to the pool's timeout and then fails with a retryable error.
type Pool struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPool connects to the store and verifies the connection.
func NewPool(ctx context.Context, cfg *StoreConfig) (*Pool, error) {
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 8
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, sslMode)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing store dsn: %w", err)
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = int32(maxConns / 4)
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	return &Pool{pool: pool, schema: schema}, nil
}

// Close closes all connections in the pool.
func (p *Pool) Close() {
	p.pool.Close()
}

// Ping tests the connection to the store.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Stats returns current connection pool statistics.
func (p *Pool) Stats() PoolStats {
	s := p.pool.Stat()
	return PoolStats{
		MaxConns:          s.MaxConns(),
		TotalConns:        s.TotalConns(),
		AcquiredConns:     s.AcquiredConns(),
		IdleConns:         s.IdleConns(),
		AcquireCount:      s.AcquireCount(),
		EmptyAcquireCount: s.EmptyAcquireCount(),
	}
}
