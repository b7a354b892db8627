// Package migrations applies the ordered schema migrations that initialize
// the persistent store. Each migration runs at most once per database; the
// ledger row and the migration itself commit in the same transaction.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/synclayer/stripe-sync/internal/db"
)

//go:embed sql/*.sql
var files embed.FS

// migrationLockKey serializes concurrent migrators across processes.
const migrationLockKey = "stripe-sync:migrations"

var namePattern = regexp.MustCompile(`^\d{4}_[a-z0-9_]+\.sql$`)

// MigrationError reports a failed migration. The ledger is unchanged for the
// failed migration and nothing after it was attempted.
type MigrationError struct {
	Name string
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s failed: %v", e.Name, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Migration is one named migration with its rendered SQL pending schema
// substitution.
type Migration struct {
	Name string
	SQL  string
}

// Load reads the embedded migration files in lexical (numbered) order.
func Load() ([]Migration, error) {
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		return nil, errors.Wrap(err, "reading embedded migrations")
	}

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if !namePattern.MatchString(entry.Name()) {
			return nil, errors.Errorf("migration file %q does not match NNNN_name.sql", entry.Name())
		}
		body, err := fs.ReadFile(files, "sql/"+entry.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "reading migration %s", entry.Name())
		}
		migrations = append(migrations, Migration{Name: entry.Name(), SQL: string(body)})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Name < migrations[j].Name })
	return migrations, nil
}

// Render substitutes the schema token. Migration files reference tables as
// `{schema}."name"`; with an empty schema the prefix disappears entirely.
func Render(sql, schema string) string {
	if schema == "" {
		return strings.ReplaceAll(sql, `{schema}.`, "")
	}
	return strings.ReplaceAll(sql, `{schema}`, fmt.Sprintf("%q", schema))
}

// Migrate applies all pending migrations under an advisory lock. Failures are
// fatal to the calling operation: the first failed migration aborts the pass.
func Migrate(ctx context.Context, database db.DB, schema string) error {
	migrations, err := Load()
	if err != nil {
		return err
	}

	return database.WithAdvisoryLock(ctx, migrationLockKey, func(q db.Queryer) error {
		if schema != "" {
			if _, err := q.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", schema)); err != nil {
				return errors.Wrap(err, "creating schema")
			}
		}

		ledger := ledgerTable(schema)
		if _, err := q.Exec(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s ("name" text PRIMARY KEY, "applied_at" timestamptz NOT NULL DEFAULT now())`,
			ledger)); err != nil {
			return errors.Wrap(err, "creating migration ledger")
		}

		for _, m := range migrations {
			if err := applyOne(ctx, database, schema, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// applyOne consults the ledger and applies the migration inside one
// transaction so a crash can never record an unapplied migration.
func applyOne(ctx context.Context, database db.DB, schema string, m Migration) error {
	return database.WithTx(ctx, func(q db.Queryer) error {
		ledger := ledgerTable(schema)

		var applied bool
		err := q.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE "name" = $1)`, ledger), m.Name).Scan(&applied)
		if err != nil {
			return &MigrationError{Name: m.Name, Err: err}
		}
		if applied {
			return nil
		}

		if _, err := q.Exec(ctx, Render(m.SQL, schema)); err != nil {
			return &MigrationError{Name: m.Name, Err: err}
		}
		if _, err := q.Exec(ctx, fmt.Sprintf(`INSERT INTO %s ("name") VALUES ($1)`, ledger), m.Name); err != nil {
			return &MigrationError{Name: m.Name, Err: err}
		}
		return nil
	})
}

func ledgerTable(schema string) string {
	if schema == "" {
		return `"_migrations"`
	}
	return fmt.Sprintf(`%q."_migrations"`, schema)
}
