package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/internal/metrics"
	"go.uber.org/zap"
)

// UNLOGGED skips the WAL: the table is lost on a crash, which is fine for a cache
// whose every entry can be rebuilt from the object store.
const createTableSQL = `
CREATE UNLOGGED TABLE IF NOT EXISTS kv_cache (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Postgres is a cache shared by every server process connected to the same database.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to databaseURL and creates the cache table.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}

	logging.Info("postgres cache ready")
	return &Postgres{db: db}, nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer func() { metrics.RecordCacheOperation("postgres", "get", time.Since(start)) }()

	var value []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM kv_cache WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	defer func() { metrics.RecordCacheOperation("postgres", "set", time.Since(start)) }()

	// Expiry is computed on the database clock so that every process agrees on it.
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO kv_cache (key, value, expires_at, updated_at)
		 VALUES ($1, $2, CASE WHEN $3::double precision > 0 THEN NOW() + make_interval(secs => $3::double precision) END, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		key, value, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() { metrics.RecordCacheOperation("postgres", "delete", time.Since(start)) }()

	if _, err := p.db.ExecContext(ctx, `DELETE FROM kv_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Flush(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `TRUNCATE kv_cache`)
	return err
}

// Sweep deletes expired rows and returns how many were removed.
func (p *Postgres) Sweep(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM kv_cache WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Debug("swept expired cache rows", zap.Int64("rows", n))
	}
	return n, nil
}

func (p *Postgres) Type() string { return "postgres" }

func (p *Postgres) Close() error {
	return p.db.Close()
}
