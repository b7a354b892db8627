package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/synclayer/stripe-sync/internal/db"
)

// pgStore keeps engine bookkeeping in the mirror schema's underscore tables.
type pgStore struct {
	db     db.DB
	schema string
}

// NewPgStore builds the Postgres-backed Store.
func NewPgStore(database db.DB, schema string) Store {
	return &pgStore{db: database, schema: schema}
}

func (s *pgStore) table(name string) string {
	return qualify(s.schema, name)
}

func (s *pgStore) GetCursor(ctx context.Context, resource, accountID string) (*string, bool, error) {
	sql := fmt.Sprintf(`SELECT "last_synced_object_id" FROM %s WHERE "resource" = $1 AND "account_id" = $2`,
		s.table("_sync_status"))
	var cursor *string
	err := s.db.QueryRow(ctx, sql, resource, accountID).Scan(&cursor)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "reading sync cursor")
	}
	return cursor, true, nil
}

func (s *pgStore) EnsureCursor(ctx context.Context, resource, accountID string) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s ("resource", "account_id")
		VALUES ($1, $2)
		ON CONFLICT ("resource", "account_id") DO NOTHING`,
		s.table("_sync_status"))
	_, err := s.db.Exec(ctx, sql, resource, accountID)
	return errors.Wrap(err, "ensuring sync cursor")
}

func (s *pgStore) AdvanceCursor(ctx context.Context, resource, accountID, lastObjectID string) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s ("resource", "account_id", "last_synced_object_id")
		VALUES ($1, $2, $3)
		ON CONFLICT ("resource", "account_id") DO UPDATE SET
			"last_synced_object_id" = EXCLUDED."last_synced_object_id",
			"updated_at" = now()`,
		s.table("_sync_status"))
	_, err := s.db.Exec(ctx, sql, resource, accountID, lastObjectID)
	return errors.Wrap(err, "advancing sync cursor")
}

// OpenRun inserts the run row. The partial unique index on open runs turns a
// second concurrent open into a ConcurrentRunError.
func (s *pgStore) OpenRun(ctx context.Context, accountID string, maxConcurrent int, triggeredBy string) (uuid.UUID, error) {
	runID := uuid.New()
	sql := fmt.Sprintf(`
		INSERT INTO %s ("id", "account_id", "max_concurrent", "triggered_by")
		VALUES ($1, $2, $3, $4)`,
		s.table("_sync_run"))
	if _, err := s.db.Exec(ctx, sql, runID, accountID, maxConcurrent, triggeredBy); err != nil {
		if db.IsUniqueViolation(err) {
			return uuid.Nil, &ConcurrentRunError{AccountID: accountID}
		}
		return uuid.Nil, errors.Wrap(err, "opening sync run")
	}
	return runID, nil
}

func (s *pgStore) CloseRun(ctx context.Context, runID uuid.UUID) error {
	sql := fmt.Sprintf(`
		UPDATE %s SET
			"completed_at" = COALESCE("completed_at", now()),
			"closed_at" = now()
		WHERE "id" = $1 AND "closed_at" IS NULL`,
		s.table("_sync_run"))
	_, err := s.db.Exec(ctx, sql, runID)
	return errors.Wrap(err, "closing sync run")
}

func (s *pgStore) CreateObjectRuns(ctx context.Context, runID uuid.UUID, kinds []ObjectKind) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s ("run_id", "resource", "status")
		VALUES ($1, $2, 'pending')
		ON CONFLICT ("run_id", "resource") DO NOTHING`,
		s.table("_sync_obj_run"))
	for _, kind := range kinds {
		if _, err := s.db.Exec(ctx, sql, runID, string(kind)); err != nil {
			return errors.Wrapf(err, "creating object run for %s", kind)
		}
	}
	return nil
}

// ClaimObjectRun flips one pending object run to running. The affected-row
// count makes the claim exclusive under concurrent workers.
func (s *pgStore) ClaimObjectRun(ctx context.Context, runID uuid.UUID, kind ObjectKind) (bool, error) {
	sql := fmt.Sprintf(`
		UPDATE %s SET "status" = 'running', "updated_at" = now()
		WHERE "run_id" = $1 AND "resource" = $2 AND "status" = 'pending'`,
		s.table("_sync_obj_run"))
	affected, err := s.db.Exec(ctx, sql, runID, string(kind))
	if err != nil {
		return false, errors.Wrapf(err, "claiming object run for %s", kind)
	}
	return affected == 1, nil
}

func (s *pgStore) FinishObjectRun(ctx context.Context, runID uuid.UUID, kind ObjectKind, status ObjRunStatus, processed int, errorMessage string) error {
	sql := fmt.Sprintf(`
		UPDATE %s SET
			"status" = $3,
			"processed_count" = $4,
			"error_message" = NULLIF($5, ''),
			"updated_at" = now()
		WHERE "run_id" = $1 AND "resource" = $2`,
		s.table("_sync_obj_run"))
	_, err := s.db.Exec(ctx, sql, runID, string(kind), string(status), processed, errorMessage)
	return errors.Wrapf(err, "finishing object run for %s", kind)
}

func (s *pgStore) LatestRun(ctx context.Context, accountID string) (*RunStatus, bool, error) {
	sql := fmt.Sprintf(`
		SELECT "id", "account_id", "status", "started_at", "closed_at", "processed_total"
		FROM %s
		WHERE "account_id" = $1
		ORDER BY "started_at" DESC
		LIMIT 1`,
		s.table("sync_dashboard"))
	var status RunStatus
	err := s.db.QueryRow(ctx, sql, accountID).Scan(
		&status.RunID, &status.AccountID, &status.Status,
		&status.StartedAt, &status.ClosedAt, &status.ProcessedTotal)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "reading latest run")
	}
	return &status, true, nil
}

func (s *pgStore) UpsertAccountStub(ctx context.Context, accountID string) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s ("id") VALUES ($1)
		ON CONFLICT ("id") DO NOTHING`,
		s.table("accounts"))
	_, err := s.db.Exec(ctx, sql, accountID)
	return errors.Wrap(err, "upserting account stub")
}

func (s *pgStore) UpsertAccount(ctx context.Context, accountID string, raw []byte) error {
	sql, args := buildAccountUpsert(s.schema, accountID, raw)
	_, err := s.db.Exec(ctx, sql, args...)
	return errors.Wrap(err, "upserting account")
}

// ListCustomerIDs pages the mirrored customer ids for the customer-scoped
// list strategies. Tombstoned customers are skipped.
func (s *pgStore) ListCustomerIDs(ctx context.Context, accountID, afterID string, limit int) ([]string, error) {
	sql := fmt.Sprintf(`
		SELECT "id" FROM %s
		WHERE "account_id" = $1 AND "id" > $2 AND NOT "deleted"
		ORDER BY "id"
		LIMIT $3`,
		s.table("customers"))
	rows, err := s.db.Query(ctx, sql, accountID, afterID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing customer ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning customer id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "listing customer ids")
}

// accountDeleteOrder lists the mirror tables child-first so the account purge
// never trips a foreign key.
var accountDeleteOrder = []string{
	"early_fraud_warnings",
	"disputes",
	"refunds",
	"credit_notes",
	"checkout_sessions",
	"setup_intents",
	"payment_intents",
	"charges",
	"invoices",
	"subscription_schedules",
	"subscriptions",
	"tax_ids",
	"payment_methods",
	"prices",
	"plans",
	"products",
	"customers",
}

// DeleteAccountData removes every mirror row, cursor and run for one account.
// Dry runs report the would-be counts without deleting anything.
func (s *pgStore) DeleteAccountData(ctx context.Context, accountID string, dryRun, useTransaction bool) (map[string]int64, error) {
	counts := make(map[string]int64)
	run := func(q db.Queryer) error {
		for _, table := range accountDeleteOrder {
			n, err := s.purgeTable(ctx, q, table, `"account_id" = $1`, accountID, dryRun)
			if err != nil {
				return err
			}
			counts[table] = n
		}
		bookkeeping := []struct{ table, where string }{
			{"_sync_status", `"account_id" = $1`},
			{"_sync_obj_run", fmt.Sprintf(`"run_id" IN (SELECT "id" FROM %s WHERE "account_id" = $1)`, s.table("_sync_run"))},
			{"_sync_run", `"account_id" = $1`},
			{"_managed_webhooks", `"account_id" = $1`},
		}
		for _, b := range bookkeeping {
			n, err := s.purgeTable(ctx, q, b.table, b.where, accountID, dryRun)
			if err != nil {
				return err
			}
			counts[b.table] = n
		}
		n, err := s.purgeTable(ctx, q, "accounts", `"id" = $1`, accountID, dryRun)
		if err != nil {
			return err
		}
		counts["accounts"] = n
		return nil
	}

	var err error
	if useTransaction && !dryRun {
		err = s.db.WithTx(ctx, run)
	} else {
		err = run(s.db)
	}
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *pgStore) purgeTable(ctx context.Context, q db.Queryer, table, where, accountID string, dryRun bool) (int64, error) {
	if dryRun {
		sql := fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s`, s.table(table), where)
		var n int64
		if err := q.QueryRow(ctx, sql, accountID).Scan(&n); err != nil {
			return 0, errors.Wrapf(err, "counting rows in %s", table)
		}
		return n, nil
	}
	sql := fmt.Sprintf(`DELETE FROM %s WHERE %s`, s.table(table), where)
	n, err := q.Exec(ctx, sql, accountID)
	if err != nil {
		return 0, errors.Wrapf(err, "deleting rows from %s", table)
	}
	return n, nil
}

func (s *pgStore) ListManagedWebhooks(ctx context.Context, accountID string) ([]ManagedWebhook, error) {
	sql := fmt.Sprintf(`
		SELECT "id", "account_id", "url", "enabled_events", "created_at"
		FROM %s WHERE "account_id" = $1
		ORDER BY "created_at"`,
		s.table("_managed_webhooks"))
	return s.scanManagedWebhooks(ctx, sql, accountID)
}

func (s *pgStore) ManagedWebhooksByURL(ctx context.Context, accountID, url string) ([]ManagedWebhook, error) {
	sql := fmt.Sprintf(`
		SELECT "id", "account_id", "url", "enabled_events", "created_at"
		FROM %s WHERE "account_id" = $1 AND "url" = $2
		ORDER BY "created_at"`,
		s.table("_managed_webhooks"))
	return s.scanManagedWebhooks(ctx, sql, accountID, url)
}

func (s *pgStore) scanManagedWebhooks(ctx context.Context, sql string, args ...any) ([]ManagedWebhook, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing managed webhooks")
	}
	defer rows.Close()

	var webhooks []ManagedWebhook
	for rows.Next() {
		var w ManagedWebhook
		if err := rows.Scan(&w.ID, &w.AccountID, &w.URL, &w.EnabledEvents, &w.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning managed webhook")
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, errors.Wrap(rows.Err(), "listing managed webhooks")
}

func (s *pgStore) InsertManagedWebhook(ctx context.Context, webhook ManagedWebhook) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s ("id", "account_id", "url", "enabled_events")
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ("account_id", "id") DO UPDATE SET
			"url" = EXCLUDED."url",
			"enabled_events" = EXCLUDED."enabled_events"`,
		s.table("_managed_webhooks"))
	_, err := s.db.Exec(ctx, sql, webhook.ID, webhook.AccountID, webhook.URL, webhook.EnabledEvents)
	return errors.Wrap(err, "inserting managed webhook")
}

func (s *pgStore) DeleteManagedWebhook(ctx context.Context, accountID, id string) error {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE "account_id" = $1 AND "id" = $2`,
		s.table("_managed_webhooks"))
	_, err := s.db.Exec(ctx, sql, accountID, id)
	return errors.Wrap(err, "deleting managed webhook")
}
