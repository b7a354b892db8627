package stripeclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// ErrNotFound is returned by single-object retrieves when the provider has no
// such object. Callers treat it as "absent", not as a failure.
var ErrNotFound = errors.New("stripe: object not found")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsSignatureError reports whether err is a webhook signature failure.
func IsSignatureError(err error) bool {
	var sigErr *SignatureError
	return errors.As(err, &sigErr)
}

// AuthError means the provider rejected the credential. Fatal; never retried.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("stripe: authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SignatureError means webhook signature verification failed. The HTTP caller
// answers 400 and the event is not projected.
type SignatureError struct {
	Err error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("stripe: webhook signature verification failed: %v", e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// RateLimitedError is a 429 from the provider, carrying its suggested delay
// when one was given. Retried internally; surfaces as TransientError on
// exhaustion.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("stripe: rate limited (retry after %s)", e.RetryAfter)
}

// TransientError is a network failure or 5xx that exhausted its retries.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("stripe: transient failure (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("stripe: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// mapStripeErr converts a typed stripe-go error into the client taxonomy.
func mapStripeErr(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.HTTPStatusCode {
		case 401, 403:
			return &AuthError{Err: err}
		case 404:
			return ErrNotFound
		case 429:
			return &TransientError{Status: 429, Err: err}
		}
		if stripeErr.HTTPStatusCode >= 500 {
			return &TransientError{Status: stripeErr.HTTPStatusCode, Err: err}
		}
	}
	return err
}
