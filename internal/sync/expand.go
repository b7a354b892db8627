package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/synclayer/stripe-sync/internal/db"
	"github.com/synclayer/stripe-sync/internal/stripeclient"
)

// expand pulls single-hop referenced sub-objects after the main upsert:
// a customer's or subscription's default payment method, a subscription's
// latest invoice, and the remainder of an invoice's line items when the
// embedded list was truncated. Expansion never recurses: fetched objects are
// projected with expansion off.
func (p *projector) expand(ctx context.Context, q db.Queryer, spec *kindSpec, accountID string, raw []byte) error {
	switch spec.Kind {
	case KindCustomer:
		return p.expandPaymentMethod(ctx, q, accountID, gjson.GetBytes(raw, "invoice_settings.default_payment_method"))
	case KindSubscription:
		if err := p.expandPaymentMethod(ctx, q, accountID, gjson.GetBytes(raw, "default_payment_method")); err != nil {
			return err
		}
		return p.expandInvoiceRef(ctx, q, accountID, gjson.GetBytes(raw, "latest_invoice"))
	case KindInvoice:
		return p.completeInvoiceLines(ctx, q, accountID, raw)
	default:
		return nil
	}
}

// expandPaymentMethod retrieves and mirrors a referenced payment method.
// Absent references are expected and skipped.
func (p *projector) expandPaymentMethod(ctx context.Context, q db.Queryer, accountID string, ref gjson.Result) error {
	id := refString(ref)
	if id == "" {
		return nil
	}
	raw, err := p.provider.Retrieve(ctx, "/v1/payment_methods", id)
	if err != nil {
		if errors.Is(err, stripeclient.ErrNotFound) {
			return nil
		}
		return err
	}
	flat := &projector{schema: p.schema, provider: p.provider, logger: p.logger}
	return flat.upsert(ctx, q, kindRegistry[KindPaymentMethod], accountID, raw)
}

// expandInvoiceRef retrieves and mirrors a referenced invoice.
func (p *projector) expandInvoiceRef(ctx context.Context, q db.Queryer, accountID string, ref gjson.Result) error {
	id := refString(ref)
	if id == "" {
		return nil
	}
	raw, err := p.provider.Retrieve(ctx, "/v1/invoices", id)
	if err != nil {
		if errors.Is(err, stripeclient.ErrNotFound) {
			return nil
		}
		return err
	}
	flat := &projector{schema: p.schema, provider: p.provider, logger: p.logger}
	return flat.upsert(ctx, q, kindRegistry[KindInvoice], accountID, raw)
}

// completeInvoiceLines fetches the remaining line-item pages when the
// embedded lines list reports has_more and rewrites the lines column with the
// full set.
func (p *projector) completeInvoiceLines(ctx context.Context, q db.Queryer, accountID string, raw []byte) error {
	if !gjson.GetBytes(raw, "lines.has_more").Bool() {
		return nil
	}
	invoiceID := gjson.GetBytes(raw, "id").String()

	lines := make([]json.RawMessage, 0)
	for _, embedded := range gjson.GetBytes(raw, "lines.data").Array() {
		lines = append(lines, json.RawMessage(embedded.Raw))
	}

	startingAfter := ""
	if len(lines) > 0 {
		startingAfter = gjson.GetBytes([]byte(lines[len(lines)-1]), "id").String()
	}

	for {
		page, err := p.provider.List(ctx, fmt.Sprintf("/v1/invoices/%s/lines", invoiceID), stripeclient.ListParams{
			Limit:         100,
			StartingAfter: startingAfter,
		})
		if err != nil {
			return err
		}
		lines = append(lines, page.Objects...)
		if !page.HasMore || len(page.Objects) == 0 {
			break
		}
		startingAfter = gjson.GetBytes([]byte(page.Objects[len(page.Objects)-1]), "id").String()
	}

	merged, err := json.Marshal(lines)
	if err != nil {
		return err
	}

	p.logger.Debug("completed truncated invoice lines",
		zap.String("invoice", invoiceID),
		zap.Int("line_count", len(lines)))

	sql := fmt.Sprintf(`UPDATE %s SET "lines" = $1 WHERE "account_id" = $2 AND "id" = $3`,
		qualify(p.schema, kindRegistry[KindInvoice].Table))
	_, err = q.Exec(ctx, sql, merged, accountID, invoiceID)
	return err
}
