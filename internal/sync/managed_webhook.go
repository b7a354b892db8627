package sync

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/synclayer/stripe-sync/internal/db"
	"github.com/synclayer/stripe-sync/internal/stripeclient"
)

const (
	managedByKey        = "managed_by"
	managedByValue      = "stripe-sync"
	managedDescription  = "Stripe Sync managed webhook"
	webhookEndpointPath = "/webhooks/stripe"
)

// defaultEnabledEvents subscribes to everything; the dispatcher drops event
// types it does not mirror.
var defaultEnabledEvents = []string{"*"}

// legacyManagedDescriptions are endpoint descriptions written by earlier
// releases. They are recognized so upgrades replace old endpoints instead of
// stacking new ones next to them.
var legacyManagedDescriptions = []string{
	"stripe-sync-cli development webhook",
	"Stripe Sync Development",
}

// ManagedWebhookResult is the outcome of FindOrCreateManagedWebhook. Secret
// is only populated when the endpoint was created in this call; the provider
// never returns it again afterwards.
type ManagedWebhookResult struct {
	Webhook ManagedWebhook
	Secret  string
	Created bool
}

// webhookManager reconciles the provider-side endpoint set with the local
// _managed_webhooks rows.
type webhookManager struct {
	db       db.DB
	store    Store
	provider ProviderClient
	resolver *accountResolver
	logger   *zap.Logger
}

// FindOrCreateManagedWebhook ensures exactly one managed endpoint exists for
// the given base URL. The whole reconcile runs under an advisory lock so two
// processes starting at once cannot both create an endpoint. A nil
// enabledEvents subscribes to everything.
func (m *webhookManager) FindOrCreateManagedWebhook(ctx context.Context, baseURL string, enabledEvents []string) (*ManagedWebhookResult, error) {
	accountID, err := m.resolver.AccountID(ctx)
	if err != nil {
		return nil, err
	}
	if len(enabledEvents) == 0 {
		enabledEvents = defaultEnabledEvents
	}
	endpointURL := strings.TrimRight(baseURL, "/") + webhookEndpointPath
	lockKey := fmt.Sprintf("stripe-sync:webhook:%s:%s", accountID, endpointURL)

	var result *ManagedWebhookResult
	err = m.db.WithAdvisoryLock(ctx, lockKey, func(db.Queryer) error {
		var reconcileErr error
		result, reconcileErr = m.reconcile(ctx, accountID, endpointURL, enabledEvents)
		return reconcileErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *webhookManager) reconcile(ctx context.Context, accountID, endpointURL string, enabledEvents []string) (*ManagedWebhookResult, error) {
	// Reuse a live endpoint we already track. Local rows whose provider
	// endpoint disappeared are orphans; rows whose endpoint lost our metadata
	// marker or points elsewhere are legacy and get replaced.
	local, err := m.store.ManagedWebhooksByURL(ctx, accountID, endpointURL)
	if err != nil {
		return nil, err
	}
	for _, row := range local {
		endpoint, err := m.provider.RetrieveWebhookEndpoint(ctx, row.ID)
		if err != nil {
			if stripeclient.IsNotFound(err) {
				m.logger.Warn("dropping orphaned managed webhook row",
					zap.String("webhook_id", row.ID),
					zap.String("url", row.URL))
				if err := m.store.DeleteManagedWebhook(ctx, accountID, row.ID); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		if endpoint.URL != endpointURL || endpoint.Metadata[managedByKey] != managedByValue {
			m.logger.Info("replacing legacy managed webhook endpoint",
				zap.String("webhook_id", endpoint.ID),
				zap.String("url", endpoint.URL))
			if err := m.deleteBoth(ctx, accountID, row.ID); err != nil {
				return nil, err
			}
			continue
		}
		if endpoint.Status == "enabled" {
			return &ManagedWebhookResult{Webhook: row}, nil
		}
		// Disabled endpoints cannot be re-enabled without a secret rotation,
		// so replace them.
		if err := m.deleteBoth(ctx, accountID, row.ID); err != nil {
			return nil, err
		}
	}

	if err := m.cleanupStrays(ctx, accountID); err != nil {
		return nil, err
	}
	return m.create(ctx, accountID, endpointURL, enabledEvents)
}

// cleanupStrays removes provider-side endpoints this engine owns but lost
// track of: endpoints carrying our metadata marker at any URL (stale base
// URLs accumulate when tunnels rotate), and endpoints left behind by earlier
// releases under their old descriptions. Ownership is decided by the marker
// and legacy descriptions, never by URL, so foreign endpoints stay untouched.
func (m *webhookManager) cleanupStrays(ctx context.Context, accountID string) error {
	endpoints, err := m.provider.ListWebhookEndpoints(ctx)
	if err != nil {
		return err
	}
	for _, endpoint := range endpoints {
		if endpoint.Metadata[managedByKey] != managedByValue && !isLegacyManagedDescription(endpoint.Description) {
			continue
		}
		m.logger.Info("removing stray managed webhook endpoint",
			zap.String("webhook_id", endpoint.ID),
			zap.String("url", endpoint.URL),
			zap.String("description", endpoint.Description))
		if err := m.deleteBoth(ctx, accountID, endpoint.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *webhookManager) create(ctx context.Context, accountID, endpointURL string, enabledEvents []string) (*ManagedWebhookResult, error) {
	endpoint, err := m.provider.CreateWebhookEndpoint(ctx, endpointURL, enabledEvents,
		map[string]string{managedByKey: managedByValue}, managedDescription)
	if err != nil {
		return nil, err
	}
	webhook := ManagedWebhook{
		ID:            endpoint.ID,
		AccountID:     accountID,
		URL:           endpointURL,
		EnabledEvents: enabledEvents,
	}
	if err := m.store.InsertManagedWebhook(ctx, webhook); err != nil {
		// The endpoint exists on the provider but not locally. Best effort
		// rollback keeps the next reconcile from finding a stray.
		if delErr := m.provider.DeleteWebhookEndpoint(context.Background(), endpoint.ID); delErr != nil {
			m.logger.Error("rolling back webhook endpoint", zap.String("webhook_id", endpoint.ID), zap.Error(delErr))
		}
		return nil, err
	}
	m.logger.Info("created managed webhook endpoint",
		zap.String("webhook_id", endpoint.ID),
		zap.String("url", endpointURL))
	return &ManagedWebhookResult{Webhook: webhook, Secret: endpoint.Secret, Created: true}, nil
}

// DeleteManagedWebhooks removes every managed endpoint for the account, both
// provider-side and locally. Endpoints already gone upstream are fine.
func (m *webhookManager) DeleteManagedWebhooks(ctx context.Context) error {
	accountID, err := m.resolver.AccountID(ctx)
	if err != nil {
		return err
	}
	webhooks, err := m.store.ListManagedWebhooks(ctx, accountID)
	if err != nil {
		return err
	}
	for _, webhook := range webhooks {
		if err := m.deleteBoth(ctx, accountID, webhook.ID); err != nil {
			return err
		}
		m.logger.Info("deleted managed webhook endpoint",
			zap.String("webhook_id", webhook.ID),
			zap.String("url", webhook.URL))
	}
	return nil
}

// DeleteManagedWebhook removes one managed endpoint by id, provider-side
// first. Not-found on either side is tolerated.
func (m *webhookManager) DeleteManagedWebhook(ctx context.Context, webhookID string) error {
	accountID, err := m.resolver.AccountID(ctx)
	if err != nil {
		return err
	}
	return m.deleteBoth(ctx, accountID, webhookID)
}

// ListManagedWebhooks returns the locally tracked endpoints.
func (m *webhookManager) ListManagedWebhooks(ctx context.Context) ([]ManagedWebhook, error) {
	accountID, err := m.resolver.AccountID(ctx)
	if err != nil {
		return nil, err
	}
	return m.store.ListManagedWebhooks(ctx, accountID)
}

func (m *webhookManager) deleteBoth(ctx context.Context, accountID, webhookID string) error {
	if err := m.provider.DeleteWebhookEndpoint(ctx, webhookID); err != nil {
		return err
	}
	return m.store.DeleteManagedWebhook(ctx, accountID, webhookID)
}

// isLegacyManagedDescription matches descriptions written by earlier releases,
// tolerating case and whitespace drift.
func isLegacyManagedDescription(description string) bool {
	normalized := strings.ToLower(strings.Join(strings.Fields(description), " "))
	if strings.HasPrefix(normalized, "stripe sync") {
		return true
	}
	for _, legacy := range legacyManagedDescriptions {
		if normalized == strings.ToLower(strings.Join(strings.Fields(legacy), " ")) {
			return true
		}
	}
	return false
}
