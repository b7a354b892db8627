package sync

import "fmt"

// ConcurrentRunError reports a second processUntilDone while another run is
// still open for the account. Reported, not retried.
type ConcurrentRunError struct {
	AccountID string
}

func (e *ConcurrentRunError) Error() string {
	return fmt.Sprintf("sync: an active sync run already exists for account %s", e.AccountID)
}

// ProjectionError means a projector hit an unexpected payload. The enclosing
// page or event fails; the payload is never partially written.
type ProjectionError struct {
	Kind     ObjectKind
	ObjectID string
	Err      error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("sync: projecting %s %q: %v", e.Kind, e.ObjectID, e.Err)
}

func (e *ProjectionError) Unwrap() error { return e.Err }
