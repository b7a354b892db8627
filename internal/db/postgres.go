package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Postgres implements DB on top of a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect parses the connection string, applies pool limits and opens the pool.
func Connect(ctx context.Context, connString string, maxConns int32) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse database connection string")
	}

	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = time.Minute * 30

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create connection pool")
	}

	return &Postgres{pool: pool}, nil
}

// NewWithPool wraps an existing pool. The caller keeps ownership of its
// lifecycle.
func NewWithPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	return rows, wrapErr(err)
}

func (p *Postgres) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

func (p *Postgres) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, wrapErr(err)
	}
	return tag.RowsAffected(), nil
}

// WithTx runs fn inside a transaction. The transaction is rolled back when fn
// returns an error and committed otherwise.
func (p *Postgres) WithTx(ctx context.Context, fn func(q Queryer) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&txQueryer{tx: tx}); err != nil {
		return err
	}
	return wrapErr(tx.Commit(ctx))
}

// WithAdvisoryLock serializes fn across all processes sharing the database,
// keyed by a hash of key. The lock is session-scoped on a dedicated pooled
// connection and released before the connection returns to the pool.
func (p *Postgres) WithAdvisoryLock(ctx context.Context, key string, fn func(q Queryer) error) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return wrapErr(err)
	}
	defer conn.Release()

	lockKey := advisoryLockKey(key)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", lockKey); err != nil {
		return wrapErr(err)
	}
	defer func() {
		// Unlock on a background context so cancellation cannot leak the lock.
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", lockKey)
	}()

	return fn(&connQueryer{conn: conn})
}

func (p *Postgres) Ping(ctx context.Context) error {
	return wrapErr(p.pool.Ping(ctx))
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// txQueryer adapts pgx.Tx to Queryer.
type txQueryer struct {
	tx pgx.Tx
}

func (t *txQueryer) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	return rows, wrapErr(err)
}

func (t *txQueryer) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t *txQueryer) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, wrapErr(err)
	}
	return tag.RowsAffected(), nil
}

// connQueryer adapts a single acquired connection to Queryer.
type connQueryer struct {
	conn *pgxpool.Conn
}

func (c *connQueryer) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	return rows, wrapErr(err)
}

func (c *connQueryer) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *connQueryer) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, wrapErr(err)
	}
	return tag.RowsAffected(), nil
}
