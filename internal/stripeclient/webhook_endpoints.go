package stripeclient

import (
	"context"

	"github.com/stripe/stripe-go/v82"
)

// CreateWebhookEndpoint registers a new provider-side webhook endpoint.
func (c *Client) CreateWebhookEndpoint(ctx context.Context, endpointURL string, enabledEvents []string, metadata map[string]string, description string) (*stripe.WebhookEndpoint, error) {
	params := &stripe.WebhookEndpointCreateParams{
		URL:           stripe.String(endpointURL),
		EnabledEvents: stripe.StringSlice(enabledEvents),
	}
	if description != "" {
		params.Description = stripe.String(description)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	endpoint, err := c.sc.V1WebhookEndpoints.Create(ctx, params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return endpoint, nil
}

// RetrieveWebhookEndpoint fetches one endpoint; ErrNotFound when the provider
// no longer has it.
func (c *Client) RetrieveWebhookEndpoint(ctx context.Context, id string) (*stripe.WebhookEndpoint, error) {
	endpoint, err := c.sc.V1WebhookEndpoints.Retrieve(ctx, id, &stripe.WebhookEndpointRetrieveParams{})
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return endpoint, nil
}

// DeleteWebhookEndpoint removes a provider-side endpoint. Not-found is
// tolerated so cleanup stays idempotent.
func (c *Client) DeleteWebhookEndpoint(ctx context.Context, id string) error {
	_, err := c.sc.V1WebhookEndpoints.Delete(ctx, id, &stripe.WebhookEndpointDeleteParams{})
	if err := mapStripeErr(err); err != nil && err != ErrNotFound {
		return err
	}
	return nil
}

// ListWebhookEndpoints returns every webhook endpoint registered on the
// account.
func (c *Client) ListWebhookEndpoints(ctx context.Context) ([]*stripe.WebhookEndpoint, error) {
	var endpoints []*stripe.WebhookEndpoint
	for endpoint, err := range c.sc.V1WebhookEndpoints.List(ctx, &stripe.WebhookEndpointListParams{}) {
		if err != nil {
			return nil, mapStripeErr(err)
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}
