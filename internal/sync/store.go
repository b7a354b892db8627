package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ObjRunStatus is the per-(run, kind) state machine status.
type ObjRunStatus string

const (
	ObjRunPending ObjRunStatus = "pending"
	ObjRunRunning ObjRunStatus = "running"
	ObjRunDone    ObjRunStatus = "done"
	ObjRunError   ObjRunStatus = "error"
)

// ManagedWebhook mirrors one provider-side endpoint this engine owns.
type ManagedWebhook struct {
	ID            string
	AccountID     string
	URL           string
	EnabledEvents []string
	CreatedAt     time.Time
}

// RunStatus is the derived view of one sync run.
type RunStatus struct {
	RunID          uuid.UUID
	AccountID      string
	Status         string
	StartedAt      time.Time
	ClosedAt       *time.Time
	ProcessedTotal int64
}

// Store is the engine's bookkeeping surface: cursors, runs, accounts and
// managed-webhook rows. The Postgres implementation is pgStore; tests use an
// in-memory fake.
type Store interface {
	// Cursors (_sync_status). A row with a NULL cursor means "sync started,
	// nothing confirmed yet"; a missing row means "never synced".
	GetCursor(ctx context.Context, resource, accountID string) (cursor *string, found bool, err error)
	EnsureCursor(ctx context.Context, resource, accountID string) error
	AdvanceCursor(ctx context.Context, resource, accountID, lastObjectID string) error

	// Runs (_sync_run, _sync_obj_run).
	OpenRun(ctx context.Context, accountID string, maxConcurrent int, triggeredBy string) (uuid.UUID, error)
	CloseRun(ctx context.Context, runID uuid.UUID) error
	CreateObjectRuns(ctx context.Context, runID uuid.UUID, kinds []ObjectKind) error
	ClaimObjectRun(ctx context.Context, runID uuid.UUID, kind ObjectKind) (bool, error)
	FinishObjectRun(ctx context.Context, runID uuid.UUID, kind ObjectKind, status ObjRunStatus, processed int, errorMessage string) error
	LatestRun(ctx context.Context, accountID string) (*RunStatus, bool, error)

	// Accounts.
	UpsertAccountStub(ctx context.Context, accountID string) error
	UpsertAccount(ctx context.Context, accountID string, raw []byte) error
	ListCustomerIDs(ctx context.Context, accountID, afterID string, limit int) ([]string, error)
	DeleteAccountData(ctx context.Context, accountID string, dryRun, useTransaction bool) (map[string]int64, error)

	// Managed webhooks (_managed_webhooks).
	ListManagedWebhooks(ctx context.Context, accountID string) ([]ManagedWebhook, error)
	ManagedWebhooksByURL(ctx context.Context, accountID, url string) ([]ManagedWebhook, error)
	InsertManagedWebhook(ctx context.Context, webhook ManagedWebhook) error
	DeleteManagedWebhook(ctx context.Context, accountID, id string) error
}
