package db

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Queryer is the capability set the engine uses against the database. It is
// satisfied by both the pooled connection and an open transaction, so store
// code composes transparently inside WithTx.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// DB extends Queryer with transaction and advisory-lock primitives plus
// lifecycle management.
type DB interface {
	Queryer
	WithTx(ctx context.Context, fn func(q Queryer) error) error
	WithAdvisoryLock(ctx context.Context, key string, fn func(q Queryer) error) error
	Ping(ctx context.Context) error
	Close()
}

// Error carries the SQLSTATE of a failed statement.
type Error struct {
	SQLState string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("db: %s (SQLSTATE %s)", e.Message, e.SQLState)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapErr lifts pgconn errors into *Error so callers can branch on SQLSTATE
// without importing the driver.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Error{SQLState: pgErr.Code, Message: pgErr.Message, Err: err}
	}
	return err
}

// SQLState returns the SQLSTATE of err, or "" if it carries none.
func SQLState(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.SQLState
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique or exclusion constraint
// violation.
func IsUniqueViolation(err error) bool {
	code := SQLState(err)
	return code == "23505" || code == "23P01"
}

// IsNoRows reports whether err means the query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// advisoryLockKey maps an arbitrary string key onto the bigint space Postgres
// advisory locks use.
func advisoryLockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
