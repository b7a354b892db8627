package sync

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/synclayer/stripe-sync/internal/db"
)

// webhookHandler applies verified provider events to the mirror. Upserts are
// idempotent on (account_id, id), so redelivered and out-of-order events
// converge on the same row.
type webhookHandler struct {
	db        db.DB
	store     Store
	provider  ProviderClient
	resolver  *accountResolver
	projector *projector
	logger    *zap.Logger
}

// ProcessWebhook verifies one raw webhook delivery and applies it. A
// stripeclient.SignatureError means the delivery must be rejected; any other
// error means the provider should redeliver. Event types outside the mirrored
// set are acknowledged without effect.
func (h *webhookHandler) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := h.provider.ConstructEvent(payload, signatureHeader)
	if err != nil {
		return err
	}

	eventType := string(event.Type)
	kind, ok := kindForEventType(eventType)
	if !ok {
		h.logger.Debug("ignoring unhandled event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType))
		return nil
	}
	spec := kindRegistry[kind]

	raw := []byte(event.Data.Raw)
	objectID := gjson.GetBytes(raw, "id").String()
	if objectID == "" {
		return &ProjectionError{Kind: kind, Err: errors.New("event payload has no id")}
	}

	accountID, err := h.eventAccountID(ctx, event.Account)
	if err != nil {
		return err
	}

	err = h.db.WithTx(ctx, func(q db.Queryer) error {
		if isDeleteEvent(eventType) {
			return h.projector.tombstone(ctx, q, spec, accountID, objectID)
		}
		return h.projector.upsert(ctx, q, spec, accountID, raw)
	})
	if err != nil {
		return err
	}

	h.logger.Info("processed webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", eventType),
		zap.String("object", string(kind)),
		zap.String("object_id", objectID),
		zap.String("account_id", accountID))
	return nil
}

// eventAccountID picks the account an event belongs to: the Connect account
// stamped on the event when present, otherwise the key's own account. Either
// way the accounts row must exist before any child upsert.
func (h *webhookHandler) eventAccountID(ctx context.Context, eventAccount string) (string, error) {
	if eventAccount != "" {
		if err := h.store.UpsertAccountStub(ctx, eventAccount); err != nil {
			return "", err
		}
		return eventAccount, nil
	}
	return h.resolver.AccountID(ctx)
}
