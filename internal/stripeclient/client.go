// Package stripeclient wraps the provider operations the sync engine needs:
// paginated list calls with page-level cursor control, single-object
// retrieves, webhook endpoint management, account retrieval and webhook event
// verification.
//
// The list and retrieve paths speak to the REST API directly because the SDK
// iterators auto-paginate and do not expose the page boundary the backfill
// cursor needs. Everything typed (account, webhook endpoints, event
// verification) goes through stripe-go.
package stripeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.stripe.com"

// maxAttempts bounds retries for rate limits and transient failures.
const maxAttempts = 5

// ListParams controls one paginated list call.
type ListParams struct {
	Limit         int
	StartingAfter string
	CreatedGTE    int64
	CreatedLTE    int64
	// Extra carries endpoint-specific query parameters, e.g. status=all on
	// subscription lists.
	Extra url.Values
}

// ListPage is one page of raw provider objects in list order.
type ListPage struct {
	Objects []json.RawMessage
	HasMore bool
}

// Config for the client. SecretKey is required.
type Config struct {
	SecretKey     string
	WebhookSecret string
	APIVersion    string
	BaseURL       string
	Timeout       time.Duration
}

// Client is a shared, stateless wrapper over the provider API. Safe for
// concurrent use.
type Client struct {
	sc            *stripe.Client
	httpClient    *http.Client
	secretKey     string
	webhookSecret string
	apiVersion    string
	baseURL       string
	logger        *zap.Logger
}

// New builds a Client. The typed SDK client and the raw HTTP path share the
// same credential and pinned API version.
func New(cfg Config, logger *zap.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var opts []stripe.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, stripe.WithBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			URL:        stripe.String(cfg.BaseURL),
			HTTPClient: &http.Client{Timeout: timeout},
		})))
	}

	return &Client{
		sc:            stripe.NewClient(cfg.SecretKey, opts...),
		httpClient:    &http.Client{Timeout: timeout},
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		apiVersion:    cfg.APIVersion,
		baseURL:       baseURL,
		logger:        logger,
	}
}

// RetrieveAccount fetches the account the credential acts as.
func (c *Client) RetrieveAccount(ctx context.Context) (*stripe.Account, error) {
	account, err := c.sc.V1Accounts.Retrieve(ctx, &stripe.AccountRetrieveParams{})
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return account, nil
}

// ConstructEvent verifies the webhook signature and parses the event
// envelope. API version mismatches between the pinned SDK version and the
// endpoint's configured version are tolerated; the raw payload is projected
// as-is either way.
func (c *Client) ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, &SignatureError{Err: err}
	}
	return event, nil
}

// List fetches one page from a list endpoint, e.g. path "/v1/customers".
// Rate limits and transient failures are retried with exponential backoff
// (500ms initial, 30s cap, 5 attempts).
func (c *Client) List(ctx context.Context, path string, params ListParams) (*ListPage, error) {
	query := url.Values{}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.StartingAfter != "" {
		query.Set("starting_after", params.StartingAfter)
	}
	if params.CreatedGTE > 0 {
		query.Set("created[gte]", strconv.FormatInt(params.CreatedGTE, 10))
	}
	if params.CreatedLTE > 0 {
		query.Set("created[lte]", strconv.FormatInt(params.CreatedLTE, 10))
	}
	for key, values := range params.Extra {
		for _, v := range values {
			query.Add(key, v)
		}
	}

	body, err := c.getWithRetry(ctx, path, query)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data    []json.RawMessage `json:"data"`
		HasMore bool              `json:"has_more"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding list response for %s: %w", path, err)
	}
	return &ListPage{Objects: envelope.Data, HasMore: envelope.HasMore}, nil
}

// Retrieve fetches a single object, e.g. path "/v1/customers" and id
// "cus_123". Returns ErrNotFound when the provider has no such object.
func (c *Client) Retrieve(ctx context.Context, path, id string) (json.RawMessage, error) {
	return c.getWithRetry(ctx, path+"/"+url.PathEscape(id), nil)
}

// getWithRetry performs an authenticated GET with the retry policy applied.
// A Retry-After delay suggested by the provider replaces the next backoff
// wait rather than stacking on top of it.
func (c *Client) getWithRetry(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	var result json.RawMessage
	var suggested time.Duration

	operation := func() error {
		body, _, err := c.get(ctx, path, query)
		if err != nil {
			var rl *RateLimitedError
			if errors.As(err, &rl) {
				suggested = rl.RetryAfter
			}
			return err
		}
		result = body
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	policy := &providerDelayBackOff{
		BackOff:   backoff.WithMaxRetries(bo, maxAttempts-1),
		suggested: &suggested,
	}
	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if err != nil {
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			return nil, &TransientError{Status: 429, Err: err}
		}
		return nil, err
	}
	return result, nil
}

// get performs a single authenticated GET. Non-retryable failures come back
// wrapped in backoff.Permanent so the retry loop stops immediately.
func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, int, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if c.apiVersion != "" {
		req.Header.Set("Stripe-Version", c.apiVersion)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, backoff.Permanent(ctx.Err())
		}
		// Network failure: retryable.
		return nil, 0, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &TransientError{Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, resp.StatusCode, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, resp.StatusCode, backoff.Permanent(&AuthError{Err: apiError(body)})
	case resp.StatusCode == http.StatusNotFound:
		return nil, resp.StatusCode, backoff.Permanent(ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if retryAfter > 0 {
			c.logger.Warn("rate limited by provider, honoring Retry-After",
				zap.Duration("retry_after", retryAfter))
		}
		return nil, resp.StatusCode, &RateLimitedError{RetryAfter: retryAfter}
	case resp.StatusCode >= 500:
		return nil, resp.StatusCode, &TransientError{Status: resp.StatusCode, Err: apiError(body)}
	default:
		return nil, resp.StatusCode, backoff.Permanent(fmt.Errorf("stripe: unexpected status %d: %v", resp.StatusCode, apiError(body)))
	}
}

// providerDelayBackOff stretches the next wait to at least the delay the
// provider last asked for. The suggestion is consumed once; later waits fall
// back to the wrapped schedule.
type providerDelayBackOff struct {
	backoff.BackOff
	suggested *time.Duration
}

func (b *providerDelayBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if *b.suggested > next {
		next = *b.suggested
	}
	*b.suggested = 0
	return next
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// apiError extracts the provider's error message from a response body.
func apiError(body []byte) error {
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("%s: %s", envelope.Error.Type, envelope.Error.Message)
	}
	return fmt.Errorf("unparseable error body")
}
