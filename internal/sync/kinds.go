// Package sync implements the engine that mirrors the provider object graph
// into Postgres: entity projectors, the backfill state machine, the webhook
// pipeline, managed webhook lifecycle, account resolution and sync-run
// coordination.
package sync

import (
	"net/url"
	"strings"
)

// ObjectKind is a top-level provider resource type.
type ObjectKind string

const (
	KindCustomer             ObjectKind = "customer"
	KindProduct              ObjectKind = "product"
	KindPrice                ObjectKind = "price"
	KindPlan                 ObjectKind = "plan"
	KindSubscription         ObjectKind = "subscription"
	KindSubscriptionSchedule ObjectKind = "subscription_schedule"
	KindTaxID                ObjectKind = "tax_id"
	KindInvoice              ObjectKind = "invoice"
	KindCharge               ObjectKind = "charge"
	KindPaymentIntent        ObjectKind = "payment_intent"
	KindPaymentMethod        ObjectKind = "payment_method"
	KindSetupIntent          ObjectKind = "setup_intent"
	KindDispute              ObjectKind = "dispute"
	KindCreditNote           ObjectKind = "credit_note"
	KindRefund               ObjectKind = "refund"
	KindEarlyFraudWarning    ObjectKind = "early_fraud_warning"
	KindCheckoutSession      ObjectKind = "checkout_session"
)

// colType selects how a raw JSON value is coerced into its column.
type colType int

const (
	colText colType = iota
	colBigint
	colBool
	// colTimestamp converts a provider unix-seconds value to timestamptz.
	colTimestamp
	colJSON
)

// column maps a gjson path in the raw provider object to a table column.
type column struct {
	Name string
	Path string
	Type colType
}

// parentRef names a referenced parent object that must exist (at least as a
// stub) before the child row can be written.
type parentRef struct {
	Kind ObjectKind
	Path string
}

// listStrategy selects how a kind is paginated during backfill.
type listStrategy int

const (
	// listDirect pages a top-level list endpoint with starting_after.
	listDirect listStrategy = iota
	// listByCustomer walks the mirrored customers and fetches the kind from
	// each customer's sub-list endpoint; the cursor is the customer id.
	listByCustomer
)

// kindSpec is the static description of one object kind: where it lives in
// the provider API, which table mirrors it, which event types feed it and how
// its payload projects into columns. The registry is the single source of
// truth for the supported-kinds list.
type kindSpec struct {
	Kind            ObjectKind
	Table           string
	Strategy        listStrategy
	ListPath        string
	CustomerSubPath string
	ListExtra       url.Values
	EventPrefixes   []string
	Parents         []parentRef
	Columns         []column
}

var kindRegistry = map[ObjectKind]*kindSpec{
	KindCustomer: {
		Kind:          KindCustomer,
		Table:         "customers",
		ListPath:      "/v1/customers",
		EventPrefixes: []string{"customer"},
		Columns: []column{
			{"email", "email", colText},
			{"name", "name", colText},
			{"phone", "phone", colText},
			{"description", "description", colText},
			{"currency", "currency", colText},
			{"delinquent", "delinquent", colBool},
			{"balance", "balance", colBigint},
			{"default_payment_method", "invoice_settings.default_payment_method", colText},
			{"livemode", "livemode", colBool},
		},
	},
	KindProduct: {
		Kind:          KindProduct,
		Table:         "products",
		ListPath:      "/v1/products",
		EventPrefixes: []string{"product"},
		Columns: []column{
			{"name", "name", colText},
			{"description", "description", colText},
			{"active", "active", colBool},
			{"type", "type", colText},
			{"url", "url", colText},
			{"default_price", "default_price", colText},
			{"livemode", "livemode", colBool},
		},
	},
	KindPrice: {
		Kind:          KindPrice,
		Table:         "prices",
		ListPath:      "/v1/prices",
		EventPrefixes: []string{"price"},
		Parents:       []parentRef{{KindProduct, "product"}},
		Columns: []column{
			{"product", "product", colText},
			{"active", "active", colBool},
			{"currency", "currency", colText},
			{"unit_amount", "unit_amount", colBigint},
			{"type", "type", colText},
			{"billing_scheme", "billing_scheme", colText},
			{"recurring_interval", "recurring.interval", colText},
			{"recurring_interval_count", "recurring.interval_count", colBigint},
			{"livemode", "livemode", colBool},
		},
	},
	KindPlan: {
		Kind:          KindPlan,
		Table:         "plans",
		ListPath:      "/v1/plans",
		EventPrefixes: []string{"plan"},
		Parents:       []parentRef{{KindProduct, "product"}},
		Columns: []column{
			{"product", "product", colText},
			{"active", "active", colBool},
			{"amount", "amount", colBigint},
			{"currency", "currency", colText},
			{"interval", "interval", colText},
			{"interval_count", "interval_count", colBigint},
			{"nickname", "nickname", colText},
			{"livemode", "livemode", colBool},
		},
	},
	KindSubscription: {
		Kind:          KindSubscription,
		Table:         "subscriptions",
		ListPath:      "/v1/subscriptions",
		ListExtra:     url.Values{"status": []string{"all"}},
		EventPrefixes: []string{"customer.subscription"},
		Parents:       []parentRef{{KindCustomer, "customer"}},
		Columns: []column{
			{"customer", "customer", colText},
			{"status", "status", colText},
			{"currency", "currency", colText},
			{"current_period_start", "current_period_start", colTimestamp},
			{"current_period_end", "current_period_end", colTimestamp},
			{"cancel_at_period_end", "cancel_at_period_end", colBool},
			{"canceled_at", "canceled_at", colTimestamp},
			{"ended_at", "ended_at", colTimestamp},
			{"trial_start", "trial_start", colTimestamp},
			{"trial_end", "trial_end", colTimestamp},
			{"default_payment_method", "default_payment_method", colText},
			{"latest_invoice", "latest_invoice", colText},
			{"livemode", "livemode", colBool},
		},
	},
	KindSubscriptionSchedule: {
		Kind:          KindSubscriptionSchedule,
		Table:         "subscription_schedules",
		ListPath:      "/v1/subscription_schedules",
		EventPrefixes: []string{"subscription_schedule"},
		Parents:       []parentRef{{KindCustomer, "customer"}},
		Columns: []column{
			{"customer", "customer", colText},
			{"subscription", "subscription", colText},
			{"status", "status", colText},
			{"completed_at", "completed_at", colTimestamp},
			{"released_at", "released_at", colTimestamp},
			{"livemode", "livemode", colBool},
		},
	},
	KindTaxID: {
		Kind:            KindTaxID,
		Table:           "tax_ids",
		Strategy:        listByCustomer,
		CustomerSubPath: "tax_ids",
		EventPrefixes:   []string{"customer.tax_id"},
		Parents:         []parentRef{{KindCustomer, "customer"}},
		Columns: []column{
			{"customer", "customer", colText},
			{"type", "type", colText},
			{"value", "value", colText},
			{"country", "country", colText},
			{"livemode", "livemode", colBool},
		},
	},
	KindInvoice: {
		Kind:          KindInvoice,
		Table:         "invoices",
		ListPath:      "/v1/invoices",
		EventPrefixes: []string{"invoice"},
		Parents:       []parentRef{{KindCustomer, "customer"}},
		Columns: []column{
			{"customer", "customer", colText},
			{"subscription", "subscription", colText},
			{"status", "status", colText},
			{"currency", "currency", colText},
			{"amount_due", "amount_due", colBigint},
			{"amount_paid", "amount_paid", colBigint},
			{"amount_remaining", "amount_remaining", colBigint},
			{"total", "total", colBigint},
			{"subtotal", "subtotal", colBigint},
			{"due_date", "due_date", colTimestamp},
			{"number", "number", colText},
			{"collection_method", "collection_method", colText},
			{"hosted_invoice_url", "hosted_invoice_url", colText},
			{"period_start", "period_start", colTimestamp},
			{"period_end", "period_end", colTimestamp},
			{"lines", "lines.data", colJSON},
			{"livemode", "livemode", colBool},
		},
	},
	KindCharge: {
		Kind:          KindCharge,
		Table:         "charges",
		ListPath:      "/v1/charges",
		EventPrefixes: []string{"charge"},
		Parents:       []parentRef{{KindCustomer, "customer"}, {KindInvoice, "invoice"}},
		Columns: []column{
			{"customer", "customer", colText},
			{"invoice", "invoice", colText},
			{"payment_intent", "payment_intent", colText},
			{"payment_method", "payment_method", colText},
			{"status", "status", colText},
			{"amount", "amount", colBigint},
			{"amount_refunded", "amount_refunded", colBigint},
			{"currency", "currency", colText},
			{"paid", "paid", colBool},
			{"refunded", "refunded", colBool},
			{"captured", "captured", colBool},
			{"failure_code", "failure_code", colText},
			{"failure_message", "failure_message", colText},
			{"livemode", "livemode", colBool},
		},
	},
	KindPaymentIntent: {
		Kind:          KindPaymentIntent,
		Table:         "payment_intents",
		ListPath:      "/v1/payment_intents",
		EventPrefixes: []string{"payment_intent"},
		Parents:       []parentRef{{KindCustomer, "customer"}},
		Columns: []column{
			{"customer", "customer", colText},
			{"invoice", "invoice", colText},
			{"status", "status", colText},
			{"amount", "amount", colBigint},
			{"amount_received", "amount_received", colBigint},
			{"currency", "currency", colText},
			{"payment_method", "payment_method", colText},
			{"latest_charge", "latest_charge", colText},
			{"capture_method", "capture_method", colText},
			{"livemode", "livemode", colBool},
		},
	},
	KindPaymentMethod: {
		Kind:            KindPaymentMethod,
		Table:           "payment_methods",
		Strategy:        listByCustomer,
		CustomerSubPath: "payment_methods",
		EventPrefixes:   []string{"payment_method"},
		Parents:         []parentRef{{KindCustomer, "customer"}},
		Columns: []column{
			{"customer", "customer", colText},
			{"type", "type", colText},
			{"card_brand", "card.brand", colText},
			{"card_last4", "card.last4", colText},
			{"card_exp_month", "card.exp_month", colBigint},
			{"card_exp_year", "card.exp_year", colBigint},
			{"livemode", "livemode", colBool},
		},
	},
	KindSetupIntent: {
		Kind:          KindSetupIntent,
		Table:         "setup_intents",
		ListPath:      "/v1/setup_intents",
		EventPrefixes: []string{"setup_intent"},
		Parents:       []parentRef{{KindCustomer, "customer"}},
		Columns: []column{
			{"customer", "customer", colText},
			{"status", "status", colText},
			{"usage", "usage", colText},
			{"payment_method", "payment_method", colText},
			{"latest_attempt", "latest_attempt", colText},
			{"livemode", "livemode", colBool},
		},
	},
	KindDispute: {
		Kind:          KindDispute,
		Table:         "disputes",
		ListPath:      "/v1/disputes",
		EventPrefixes: []string{"charge.dispute"},
		Parents:       []parentRef{{KindCharge, "charge"}},
		Columns: []column{
			{"charge", "charge", colText},
			{"payment_intent", "payment_intent", colText},
			{"status", "status", colText},
			{"reason", "reason", colText},
			{"amount", "amount", colBigint},
			{"currency", "currency", colText},
			{"evidence_due_by", "evidence_details.due_by", colTimestamp},
			{"is_charge_refundable", "is_charge_refundable", colBool},
			{"livemode", "livemode", colBool},
		},
	},
	KindCreditNote: {
		Kind:          KindCreditNote,
		Table:         "credit_notes",
		ListPath:      "/v1/credit_notes",
		EventPrefixes: []string{"credit_note"},
		Parents:       []parentRef{{KindCustomer, "customer"}, {KindInvoice, "invoice"}},
		Columns: []column{
			{"customer", "customer", colText},
			{"invoice", "invoice", colText},
			{"status", "status", colText},
			{"reason", "reason", colText},
			{"amount", "amount", colBigint},
			{"total", "total", colBigint},
			{"currency", "currency", colText},
			{"number", "number", colText},
			{"livemode", "livemode", colBool},
		},
	},
	KindRefund: {
		Kind:          KindRefund,
		Table:         "refunds",
		ListPath:      "/v1/refunds",
		EventPrefixes: []string{"charge.refund", "refund"},
		Parents:       []parentRef{{KindCharge, "charge"}},
		Columns: []column{
			{"charge", "charge", colText},
			{"payment_intent", "payment_intent", colText},
			{"status", "status", colText},
			{"reason", "reason", colText},
			{"amount", "amount", colBigint},
			{"currency", "currency", colText},
			{"receipt_number", "receipt_number", colText},
			{"livemode", "livemode", colBool},
		},
	},
	KindEarlyFraudWarning: {
		Kind:          KindEarlyFraudWarning,
		Table:         "early_fraud_warnings",
		ListPath:      "/v1/radar/early_fraud_warnings",
		EventPrefixes: []string{"radar.early_fraud_warning"},
		Parents:       []parentRef{{KindCharge, "charge"}},
		Columns: []column{
			{"charge", "charge", colText},
			{"payment_intent", "payment_intent", colText},
			{"fraud_type", "fraud_type", colText},
			{"actionable", "actionable", colBool},
			{"livemode", "livemode", colBool},
		},
	},
	KindCheckoutSession: {
		Kind:          KindCheckoutSession,
		Table:         "checkout_sessions",
		ListPath:      "/v1/checkout/sessions",
		EventPrefixes: []string{"checkout.session"},
		Parents:       []parentRef{{KindCustomer, "customer"}},
		Columns: []column{
			{"customer", "customer", colText},
			{"subscription", "subscription", colText},
			{"payment_intent", "payment_intent", colText},
			{"mode", "mode", colText},
			{"status", "status", colText},
			{"payment_status", "payment_status", colText},
			{"currency", "currency", colText},
			{"amount_total", "amount_total", colBigint},
			{"amount_subtotal", "amount_subtotal", colBigint},
			{"livemode", "livemode", colBool},
		},
	},
}

// backfillOrder fixes the iteration order for full backfills: parents before
// children so stub writes stay rare.
var backfillOrder = []ObjectKind{
	KindProduct,
	KindPrice,
	KindPlan,
	KindCustomer,
	KindPaymentMethod,
	KindTaxID,
	KindSubscription,
	KindSubscriptionSchedule,
	KindInvoice,
	KindCharge,
	KindPaymentIntent,
	KindSetupIntent,
	KindCreditNote,
	KindRefund,
	KindDispute,
	KindEarlyFraudWarning,
	KindCheckoutSession,
}

// SupportedSyncObjects returns every object kind the engine mirrors, in
// backfill order.
func SupportedSyncObjects() []ObjectKind {
	kinds := make([]ObjectKind, len(backfillOrder))
	copy(kinds, backfillOrder)
	return kinds
}

// kindForEventType resolves a provider event type like "customer.created" or
// "charge.dispute.funds_withdrawn" to its object kind. Longest matching
// prefix wins so "customer.subscription.updated" maps to subscription, not
// customer.
func kindForEventType(eventType string) (ObjectKind, bool) {
	var best ObjectKind
	bestLen := -1
	for kind, spec := range kindRegistry {
		for _, prefix := range spec.EventPrefixes {
			if eventType != prefix && !strings.HasPrefix(eventType, prefix+".") {
				continue
			}
			if len(prefix) > bestLen {
				best = kind
				bestLen = len(prefix)
			}
		}
	}
	return best, bestLen >= 0
}

// isDeleteEvent reports whether an event type marks the object as deleted on
// the provider side. Mirror rows are tombstoned, never removed.
func isDeleteEvent(eventType string) bool {
	return strings.HasSuffix(eventType, ".deleted")
}
