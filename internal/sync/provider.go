package sync

import (
	"context"
	"encoding/json"

	"github.com/stripe/stripe-go/v82"

	"github.com/synclayer/stripe-sync/internal/stripeclient"
)

// ProviderClient is the contract the engine needs from the payments provider.
// *stripeclient.Client satisfies it; tests substitute fakes.
type ProviderClient interface {
	RetrieveAccount(ctx context.Context) (*stripe.Account, error)
	ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error)
	List(ctx context.Context, path string, params stripeclient.ListParams) (*stripeclient.ListPage, error)
	Retrieve(ctx context.Context, path, id string) (json.RawMessage, error)
	CreateWebhookEndpoint(ctx context.Context, endpointURL string, enabledEvents []string, metadata map[string]string, description string) (*stripe.WebhookEndpoint, error)
	RetrieveWebhookEndpoint(ctx context.Context, id string) (*stripe.WebhookEndpoint, error)
	DeleteWebhookEndpoint(ctx context.Context, id string) error
	ListWebhookEndpoints(ctx context.Context) ([]*stripe.WebhookEndpoint, error)
}

var _ ProviderClient = (*stripeclient.Client)(nil)
