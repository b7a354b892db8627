package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/synclayer/stripe-sync/internal/db"
)

// projector writes provider objects into their mirror tables. Upserts are
// idempotent and keyed on (account_id, id), so webhook redelivery and page
// refetches are safe.
type projector struct {
	schema     string
	autoExpand bool
	provider   ProviderClient
	logger     *zap.Logger
}

// qualify renders a table reference with the optional schema prefix.
func qualify(schema, table string) string {
	if schema == "" {
		return fmt.Sprintf("%q", table)
	}
	return fmt.Sprintf("%q.%q", schema, table)
}

// upsert projects one raw provider object into its mirror row. Referenced
// parents that are not yet mirrored get stub rows first so foreign keys hold.
func (p *projector) upsert(ctx context.Context, q db.Queryer, spec *kindSpec, accountID string, raw []byte) error {
	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		return &ProjectionError{Kind: spec.Kind, Err: errors.New("payload has no id")}
	}

	for _, parent := range spec.Parents {
		parentID := refString(gjson.GetBytes(raw, parent.Path))
		if parentID == "" {
			continue
		}
		if err := p.stub(ctx, q, parent.Kind, accountID, parentID); err != nil {
			return &ProjectionError{Kind: spec.Kind, ObjectID: id, Err: err}
		}
	}

	sql, args := buildUpsert(p.schema, spec, accountID, id, raw)
	if _, err := q.Exec(ctx, sql, args...); err != nil {
		return &ProjectionError{Kind: spec.Kind, ObjectID: id, Err: err}
	}

	if p.autoExpand {
		if err := p.expand(ctx, q, spec, accountID, raw); err != nil {
			return err
		}
	}
	return nil
}

// tombstone marks a mirror row deleted without removing it. Creates the row
// if the delete event arrives before anything else was mirrored.
func (p *projector) tombstone(ctx context.Context, q db.Queryer, spec *kindSpec, accountID, id string) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s ("id", "account_id", "deleted", "last_synced_at", "updated_at")
		VALUES ($1, $2, true, now(), now())
		ON CONFLICT ("account_id", "id") DO UPDATE SET
			"deleted" = true,
			"last_synced_at" = now(),
			"updated_at" = now()`,
		qualify(p.schema, spec.Table))
	if _, err := q.Exec(ctx, sql, id, accountID); err != nil {
		return &ProjectionError{Kind: spec.Kind, ObjectID: id, Err: err}
	}
	return nil
}

// stub writes an id-only parent row so a child foreign key holds. The stub is
// replaced when the parent's own payload arrives; DO NOTHING keeps an already
// mirrored parent intact.
func (p *projector) stub(ctx context.Context, q db.Queryer, kind ObjectKind, accountID, id string) error {
	spec, ok := kindRegistry[kind]
	if !ok {
		return errors.Errorf("no registered kind %q for stub", kind)
	}
	sql := fmt.Sprintf(`
		INSERT INTO %s ("id", "account_id")
		VALUES ($1, $2)
		ON CONFLICT ("account_id", "id") DO NOTHING`,
		qualify(p.schema, spec.Table))
	_, err := q.Exec(ctx, sql, id, accountID)
	return err
}

// buildUpsert renders the full mirror-row upsert for one object.
func buildUpsert(schema string, spec *kindSpec, accountID, id string, raw []byte) (string, []any) {
	names := []string{"id", "account_id", "object", "created", "metadata"}
	args := []any{
		id,
		accountID,
		textOrNil(gjson.GetBytes(raw, "object")),
		columnValue(raw, column{Type: colTimestamp, Path: "created"}),
		columnValue(raw, column{Type: colJSON, Path: "metadata"}),
	}
	for _, col := range spec.Columns {
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
		if name != "id" && name != "account_id" {
			updates = append(updates, fmt.Sprintf("%q = EXCLUDED.%q", name, name))
		}
	}
	updates = append(updates, `"deleted" = false`, `"last_synced_at" = now()`, `"updated_at" = now()`)

	sql := fmt.Sprintf(`
		INSERT INTO %s (%s, "deleted", "last_synced_at", "updated_at")
		VALUES (%s, false, now(), now())
		ON CONFLICT ("account_id", "id") DO UPDATE SET %s`,
		qualify(schema, spec.Table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "))

	return sql, args
}

// columnValue coerces a gjson result into the driver value for its column.
// Missing and null values become NULL.
func columnValue(raw []byte, col column) any {
	result := gjson.GetBytes(raw, col.Path)
	if !result.Exists() || result.Type == gjson.Null {
		return nil
	}
	switch col.Type {
	case colText:
		return refID(result)
	case colBigint:
		return result.Int()
	case colBool:
		return result.Bool()
	case colTimestamp:
		secs := result.Int()
		if secs <= 0 {
			return nil
		}
		return time.Unix(secs, 0).UTC()
	case colJSON:
		return []byte(result.Raw)
	default:
		return nil
	}
}

// refID resolves an object reference that may arrive either as a bare id
// string or as an expanded object.
func refID(result gjson.Result) any {
	if !result.Exists() || result.Type == gjson.Null {
		return nil
	}
	if result.IsObject() {
		if id := result.Get("id"); id.Exists() {
			return id.String()
		}
		return nil
	}
	return result.String()
}

// refString is refID for callers that want "" instead of NULL.
func refString(result gjson.Result) string {
	if v, ok := refID(result).(string); ok {
		return v
	}
	return ""
}

func textOrNil(result gjson.Result) any {
	if !result.Exists() || result.Type == gjson.Null {
		return nil
	}
	return result.String()
}
