package sync

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/synclayer/stripe-sync/internal/config"
	"github.com/synclayer/stripe-sync/internal/db"
)

// Options configures an Engine. DB, Provider and Config are required; Store
// defaults to the Postgres implementation and Logger to a no-op.
type Options struct {
	DB       db.DB
	Store    Store
	Provider ProviderClient
	Logger   *zap.Logger
	Config   *config.Config
}

// Engine is the public face of the sync engine: backfill, webhook processing,
// managed webhook lifecycle and account administration.
type Engine struct {
	db             db.DB
	store          Store
	logger         *zap.Logger
	resolver       *accountResolver
	backfiller     *backfiller
	webhooks       *webhookHandler
	webhookManager *webhookManager
	maxConcurrent  int
}

// New wires an Engine from its collaborators.
func New(opts Options) (*Engine, error) {
	if opts.DB == nil {
		return nil, errors.New("sync: Options.DB is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("sync: Options.Provider is required")
	}
	if opts.Config == nil {
		return nil, errors.New("sync: Options.Config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		store = NewPgStore(opts.DB, opts.Config.Schema)
	}

	resolver := newAccountResolver(opts.Provider, store, logger)
	proj := &projector{
		schema:     opts.Config.Schema,
		autoExpand: opts.Config.AutoExpandLists,
		provider:   opts.Provider,
		logger:     logger,
	}
	return &Engine{
		db:       opts.DB,
		store:    store,
		logger:   logger,
		resolver: resolver,
		backfiller: &backfiller{
			db:              opts.DB,
			store:           store,
			provider:        opts.Provider,
			projector:       proj,
			logger:          logger,
			pageSize:        opts.Config.PageSize,
			backfillRelated: opts.Config.BackfillRelatedEntities,
		},
		webhooks: &webhookHandler{
			db:        opts.DB,
			store:     store,
			provider:  opts.Provider,
			resolver:  resolver,
			projector: proj,
			logger:    logger,
		},
		webhookManager: &webhookManager{
			db:       opts.DB,
			store:    store,
			provider: opts.Provider,
			resolver: resolver,
			logger:   logger,
		},
		maxConcurrent: opts.Config.MaxConcurrent,
	}, nil
}

// AccountID resolves and caches the account behind the configured credential.
func (e *Engine) AccountID(ctx context.Context) (string, error) {
	return e.resolver.AccountID(ctx)
}

// ProcessNext advances one kind's backfill by a single page.
func (e *Engine) ProcessNext(ctx context.Context, kind ObjectKind, params SyncParams) (*PageResult, error) {
	accountID, err := e.resolver.AccountID(ctx)
	if err != nil {
		return nil, err
	}
	return e.backfiller.ProcessNext(ctx, accountID, kind, params)
}

// ProcessUntilDone runs a full backfill for the configured account. Returns
// ConcurrentRunError if another run is already open.
func (e *Engine) ProcessUntilDone(ctx context.Context, params SyncParams) (map[ObjectKind]KindSummary, error) {
	accountID, err := e.resolver.AccountID(ctx)
	if err != nil {
		return nil, err
	}
	return e.backfiller.ProcessUntilDone(ctx, accountID, params, e.maxConcurrent)
}

// ProcessWebhook verifies and applies one raw webhook delivery.
func (e *Engine) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	return e.webhooks.ProcessWebhook(ctx, payload, signatureHeader)
}

// SyncStatus reports the most recent run for the configured account.
func (e *Engine) SyncStatus(ctx context.Context) (*RunStatus, bool, error) {
	accountID, err := e.resolver.AccountID(ctx)
	if err != nil {
		return nil, false, err
	}
	return e.store.LatestRun(ctx, accountID)
}

// FindOrCreateManagedWebhook ensures a managed endpoint exists for baseURL.
func (e *Engine) FindOrCreateManagedWebhook(ctx context.Context, baseURL string, enabledEvents []string) (*ManagedWebhookResult, error) {
	return e.webhookManager.FindOrCreateManagedWebhook(ctx, baseURL, enabledEvents)
}

// DeleteManagedWebhook removes one managed endpoint by id.
func (e *Engine) DeleteManagedWebhook(ctx context.Context, webhookID string) error {
	return e.webhookManager.DeleteManagedWebhook(ctx, webhookID)
}

// DeleteManagedWebhooks removes every managed endpoint for the account.
func (e *Engine) DeleteManagedWebhooks(ctx context.Context) error {
	return e.webhookManager.DeleteManagedWebhooks(ctx)
}

// ListManagedWebhooks returns the locally tracked managed endpoints.
func (e *Engine) ListManagedWebhooks(ctx context.Context) ([]ManagedWebhook, error) {
	return e.webhookManager.ListManagedWebhooks(ctx)
}

// SupportedSyncObjects returns every object kind the engine mirrors, in
// backfill order.
func (e *Engine) SupportedSyncObjects() []ObjectKind {
	return SupportedSyncObjects()
}

// DeleteAccountOptions tunes DangerouslyDeleteAccount.
type DeleteAccountOptions struct {
	// DryRun reports row counts without deleting.
	DryRun bool
	// UseTransaction wraps the purge in one transaction.
	UseTransaction bool
}

// DangerouslyDeleteAccount removes every mirror row, cursor, run and managed
// webhook row for the given account. This is the only code path that deletes
// mirror data.
func (e *Engine) DangerouslyDeleteAccount(ctx context.Context, accountID string, opts DeleteAccountOptions) (map[string]int64, error) {
	if accountID == "" {
		return nil, errors.New("sync: account id is required")
	}
	counts, err := e.store.DeleteAccountData(ctx, accountID, opts.DryRun, opts.UseTransaction)
	if err != nil {
		return nil, err
	}
	e.logger.Warn("account data purge",
		zap.String("account_id", accountID),
		zap.Bool("dry_run", opts.DryRun))
	return counts, nil
}
