package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	gosync "sync"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// accountColumns projects the account payload the same way the kind registry
// projects everything else. Accounts are not in the registry because they are
// the root of the graph and never backfilled by pagination.
var accountColumns = []column{
	{"email", "email", colText},
	{"business_type", "business_type", colText},
	{"country", "country", colText},
	{"default_currency", "default_currency", colText},
	{"charges_enabled", "charges_enabled", colBool},
	{"payouts_enabled", "payouts_enabled", colBool},
	{"details_submitted", "details_submitted", colBool},
}

// buildAccountUpsert renders the full accounts-row upsert.
func buildAccountUpsert(schema, accountID string, raw []byte) (string, []any) {
	names := []string{"id", "object", "created", "metadata"}
	args := []any{
		accountID,
		textOrNil(gjson.GetBytes(raw, "object")),
		columnValue(raw, column{Type: colTimestamp, Path: "created"}),
		columnValue(raw, column{Type: colJSON, Path: "metadata"}),
	}
	for _, col := range accountColumns {
		names = append(names, col.Name)
		args = append(args, columnValue(raw, col))
	}
	names = append(names, "raw")
	args = append(args, raw)

	quoted := make([]string, len(names))
	placeholders := make([]string, len(names))
	updates := make([]string, 0, len(names))
	for i, name := range names {
		quoted[i] = fmt.Sprintf("%q", name)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if name != "id" {
			updates = append(updates, fmt.Sprintf("%q = EXCLUDED.%q", name, name))
		}
	}
	updates = append(updates, `"deleted" = false`, `"last_synced_at" = now()`, `"updated_at" = now()`)

	sql := fmt.Sprintf(`
		INSERT INTO %s (%s, "deleted", "last_synced_at", "updated_at")
		VALUES (%s, false, now(), now())
		ON CONFLICT ("id") DO UPDATE SET %s`,
		qualify(schema, "accounts"),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "))

	return sql, args
}

// accountResolver resolves and caches the account id behind the configured
// API key. The first resolution also mirrors the full account row so webhook
// events without an account field have a parent to hang off.
type accountResolver struct {
	provider ProviderClient
	store    Store
	logger   *zap.Logger

	mu gosync.Mutex
	id string
}

func newAccountResolver(provider ProviderClient, store Store, logger *zap.Logger) *accountResolver {
	return &accountResolver{provider: provider, store: store, logger: logger}
}

// AccountID returns the cached account id, resolving it from the provider on
// first use.
func (r *accountResolver) AccountID(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id != "" {
		return r.id, nil
	}

	account, err := r.provider.RetrieveAccount(ctx)
	if err != nil {
		return "", errors.Wrap(err, "resolving account")
	}
	raw, err := json.Marshal(account)
	if err != nil {
		return "", errors.Wrap(err, "encoding account")
	}
	if err := r.store.UpsertAccount(ctx, account.ID, raw); err != nil {
		return "", err
	}

	r.logger.Info("resolved provider account", zap.String("account_id", account.ID))
	r.id = account.ID
	return r.id, nil
}
