package sync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExpandCustomerDefaultPaymentMethod(t *testing.T) {
	provider := newFakeProvider("acct_A")
	provider.objects["pm_1"] = json.RawMessage(`{"id": "pm_1", "object": "payment_method", "customer": "cus_1", "type": "card", "card": {"brand": "visa", "last4": "4242"}}`)
	database := newFakeDB()
	proj := &projector{schema: "stripe", autoExpand: true, provider: provider, logger: zap.NewNop()}

	raw := []byte(`{"id": "cus_1", "object": "customer", "invoice_settings": {"default_payment_method": "pm_1"}}`)
	err := proj.upsert(context.Background(), database, kindRegistry[KindCustomer], "acct_A", raw)
	require.NoError(t, err)

	calls := database.Calls()
	// Customer upsert, then the payment method's parent stub, then the
	// payment method itself.
	require.Len(t, calls, 3)
	assert.Contains(t, calls[0].SQL, `"stripe"."customers"`)
	assert.Contains(t, calls[1].SQL, `"stripe"."customers"`)
	assert.Contains(t, calls[1].SQL, "DO NOTHING")
	assert.Contains(t, calls[2].SQL, `"stripe"."payment_methods"`)
	assert.Equal(t, "pm_1", calls[2].Args[0])
}

func TestExpandToleratesMissingReference(t *testing.T) {
	provider := newFakeProvider("acct_A")
	database := newFakeDB()
	proj := &projector{schema: "stripe", autoExpand: true, provider: provider, logger: zap.NewNop()}

	// pm_missing is not retrievable; expansion treats it as absent.
	raw := []byte(`{"id": "cus_1", "object": "customer", "invoice_settings": {"default_payment_method": "pm_missing"}}`)
	err := proj.upsert(context.Background(), database, kindRegistry[KindCustomer], "acct_A", raw)
	require.NoError(t, err)
	assert.Len(t, database.Calls(), 1)
}

func TestExpandDoesNotRecurse(t *testing.T) {
	provider := newFakeProvider("acct_A")
	// The expanded invoice references a payment intent; a recursive expander
	// would try to fetch it too.
	provider.objects["in_9"] = json.RawMessage(`{"id": "in_9", "object": "invoice", "customer": "cus_1", "status": "paid"}`)
	database := newFakeDB()
	proj := &projector{schema: "stripe", autoExpand: true, provider: provider, logger: zap.NewNop()}

	raw := []byte(`{"id": "sub_1", "object": "subscription", "customer": "cus_1", "status": "active", "latest_invoice": "in_9"}`)
	err := proj.upsert(context.Background(), database, kindRegistry[KindSubscription], "acct_A", raw)
	require.NoError(t, err)

	calls := database.Calls()
	// Stub customer, subscription, stub customer for invoice, invoice.
	require.Len(t, calls, 4)
	assert.Contains(t, calls[3].SQL, `"stripe"."invoices"`)
}

func TestCompleteInvoiceLines(t *testing.T) {
	provider := newFakeProvider("acct_A")
	provider.addPage("/v1/invoices/in_1/lines", false,
		`{"id": "il_2", "object": "line_item"}`,
		`{"id": "il_3", "object": "line_item"}`)
	database := newFakeDB()
	proj := &projector{schema: "stripe", autoExpand: true, provider: provider, logger: zap.NewNop()}

	raw := []byte(`{"id": "in_1", "object": "invoice", "customer": "cus_1", "lines": {"has_more": true, "data": [{"id": "il_1", "object": "line_item"}]}}`)
	err := proj.upsert(context.Background(), database, kindRegistry[KindInvoice], "acct_A", raw)
	require.NoError(t, err)

	calls := database.Calls()
	require.Len(t, calls, 3) // customer stub, invoice upsert, lines rewrite
	rewrite := calls[2]
	assert.Contains(t, rewrite.SQL, `SET "lines" = $1`)

	var lines []map[string]any
	require.NoError(t, json.Unmarshal(rewrite.Args[0].([]byte), &lines))
	require.Len(t, lines, 3)
	assert.Equal(t, "il_1", lines[0]["id"])
	assert.Equal(t, "il_3", lines[2]["id"])
}

func TestCompleteInvoiceLinesSkipsWhenComplete(t *testing.T) {
	database := newFakeDB()
	proj := &projector{schema: "stripe", autoExpand: true, provider: newFakeProvider("acct_A"), logger: zap.NewNop()}

	raw := []byte(`{"id": "in_2", "object": "invoice", "customer": "cus_1", "lines": {"has_more": false, "data": [{"id": "il_1"}]}}`)
	err := proj.upsert(context.Background(), database, kindRegistry[KindInvoice], "acct_A", raw)
	require.NoError(t, err)
	assert.Len(t, database.Calls(), 2)
}
