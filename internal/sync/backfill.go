package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/synclayer/stripe-sync/internal/db"
	"github.com/synclayer/stripe-sync/internal/stripeclient"
)

// SyncParams scopes a backfill run.
type SyncParams struct {
	// Object restricts the run to one kind. Empty or "all" means every kind.
	Object string
	// CreatedGTE and CreatedLTE bound the provider-side created timestamp in
	// unix seconds. Zero means unbounded. Customer-scoped kinds
	// (payment_methods, tax_ids) always backfill in full: their sub-list
	// endpoints reject a created filter.
	CreatedGTE int64
	CreatedLTE int64
	// MaxConcurrent caps the number of kinds backfilled in parallel. Zero
	// falls back to the engine default.
	MaxConcurrent int
	// TriggeredBy labels the run for the dashboard.
	TriggeredBy string
}

// PageResult reports one processed page of a kind's backfill.
type PageResult struct {
	Processed int
	HasMore   bool
}

// KindSummary is the per-kind outcome of a completed run.
type KindSummary struct {
	Synced int
	Errors int
	Error  string
}

// backfiller drives paginated ingestion. Each page is applied inside its own
// transaction and the cursor only advances after the whole page committed, so
// a crash mid-page replays the page instead of losing it.
type backfiller struct {
	db              db.DB
	store           Store
	provider        ProviderClient
	projector       *projector
	logger          *zap.Logger
	pageSize        int
	backfillRelated bool
}

// customerBatchSize bounds how many mirrored customers one customer-scoped
// page walks before yielding a cursor checkpoint.
const customerBatchSize = 25

// ProcessNext fetches and applies the next page for one kind. The caller
// loops until HasMore is false.
func (b *backfiller) ProcessNext(ctx context.Context, accountID string, kind ObjectKind, params SyncParams) (*PageResult, error) {
	spec, ok := kindRegistry[kind]
	if !ok {
		return nil, errors.Errorf("unsupported object kind %q", kind)
	}
	if err := b.store.EnsureCursor(ctx, string(kind), accountID); err != nil {
		return nil, err
	}
	cursor, _, err := b.store.GetCursor(ctx, string(kind), accountID)
	if err != nil {
		return nil, err
	}
	startingAfter := ""
	if cursor != nil {
		startingAfter = *cursor
	}

	if spec.Strategy == listByCustomer {
		return b.processCustomerBatch(ctx, accountID, spec, startingAfter)
	}
	return b.processDirectPage(ctx, accountID, spec, startingAfter, params)
}

func (b *backfiller) processDirectPage(ctx context.Context, accountID string, spec *kindSpec, startingAfter string, params SyncParams) (*PageResult, error) {
	page, err := b.provider.List(ctx, spec.ListPath, stripeclient.ListParams{
		Limit:         b.pageSize,
		StartingAfter: startingAfter,
		CreatedGTE:    params.CreatedGTE,
		CreatedLTE:    params.CreatedLTE,
		Extra:         spec.ListExtra,
	})
	if err != nil {
		return nil, err
	}
	if len(page.Objects) == 0 {
		return &PageResult{Processed: 0, HasMore: false}, nil
	}

	for _, raw := range page.Objects {
		raw := raw
		err := b.db.WithTx(ctx, func(q db.Queryer) error {
			return b.projector.upsert(ctx, q, spec, accountID, raw)
		})
		if err != nil {
			return nil, err
		}
	}

	lastID := gjson.GetBytes(page.Objects[len(page.Objects)-1], "id").String()
	if err := b.store.AdvanceCursor(ctx, string(spec.Kind), accountID, lastID); err != nil {
		return nil, err
	}
	return &PageResult{Processed: len(page.Objects), HasMore: page.HasMore}, nil
}

// processCustomerBatch handles kinds without an account-wide list endpoint by
// walking the mirrored customers and draining each customer's sub-list. The
// cursor is the last fully drained customer id.
func (b *backfiller) processCustomerBatch(ctx context.Context, accountID string, spec *kindSpec, afterCustomerID string) (*PageResult, error) {
	customerIDs, err := b.store.ListCustomerIDs(ctx, accountID, afterCustomerID, customerBatchSize)
	if err != nil {
		return nil, err
	}
	if len(customerIDs) == 0 {
		return &PageResult{Processed: 0, HasMore: false}, nil
	}

	processed := 0
	for _, customerID := range customerIDs {
		n, err := b.drainCustomer(ctx, accountID, spec, customerID)
		if err != nil {
			return nil, err
		}
		processed += n
		if err := b.store.AdvanceCursor(ctx, string(spec.Kind), accountID, customerID); err != nil {
			return nil, err
		}
	}
	return &PageResult{Processed: processed, HasMore: len(customerIDs) == customerBatchSize}, nil
}

func (b *backfiller) drainCustomer(ctx context.Context, accountID string, spec *kindSpec, customerID string) (int, error) {
	path := fmt.Sprintf("/v1/customers/%s/%s", customerID, spec.CustomerSubPath)
	processed := 0
	startingAfter := ""
	for {
		page, err := b.provider.List(ctx, path, stripeclient.ListParams{
			Limit:         b.pageSize,
			StartingAfter: startingAfter,
		})
		if err != nil {
			// A customer deleted upstream since it was mirrored is not an
			// error for the sub-list walk.
			if errors.Is(err, stripeclient.ErrNotFound) {
				return processed, nil
			}
			return processed, err
		}
		for _, raw := range page.Objects {
			raw := raw
			err := b.db.WithTx(ctx, func(q db.Queryer) error {
				return b.projector.upsert(ctx, q, spec, accountID, raw)
			})
			if err != nil {
				return processed, err
			}
			processed++
		}
		if !page.HasMore || len(page.Objects) == 0 {
			return processed, nil
		}
		startingAfter = gjson.GetBytes(page.Objects[len(page.Objects)-1], "id").String()
	}
}

// ProcessUntilDone opens a sync run and drains every requested kind to
// completion. Kinds run concurrently up to the configured cap; one kind
// failing records an error for that kind without aborting the others.
func (b *backfiller) ProcessUntilDone(ctx context.Context, accountID string, params SyncParams, maxConcurrent int) (map[ObjectKind]KindSummary, error) {
	kinds, err := b.resolveKinds(ctx, accountID, params.Object)
	if err != nil {
		return nil, err
	}
	if params.MaxConcurrent > 0 {
		maxConcurrent = params.MaxConcurrent
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	runID, err := b.store.OpenRun(ctx, accountID, maxConcurrent, params.TriggeredBy)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := b.store.CloseRun(context.Background(), runID); err != nil {
			b.logger.Error("closing sync run", zap.String("run_id", runID.String()), zap.Error(err))
		}
	}()
	if err := b.store.CreateObjectRuns(ctx, runID, kinds); err != nil {
		return nil, err
	}

	b.logger.Info("sync run started",
		zap.String("run_id", runID.String()),
		zap.String("account_id", accountID),
		zap.Int("kinds", len(kinds)),
		zap.Int("max_concurrent", maxConcurrent))

	var mu gosync.Mutex
	summaries := make(map[ObjectKind]KindSummary, len(kinds))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrent)
	for _, kind := range kinds {
		kind := kind
		group.Go(func() error {
			claimed, err := b.store.ClaimObjectRun(groupCtx, runID, kind)
			if err != nil {
				return err
			}
			if !claimed {
				return nil
			}
			summary := b.drainKind(groupCtx, accountID, kind, params)
			status := ObjRunDone
			if summary.Error != "" {
				status = ObjRunError
			}
			if err := b.store.FinishObjectRun(groupCtx, runID, kind, status, summary.Synced, summary.Error); err != nil {
				return err
			}
			mu.Lock()
			summaries[kind] = summary
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return summaries, err
	}

	b.logger.Info("sync run finished", zap.String("run_id", runID.String()))
	return summaries, nil
}

// drainKind loops ProcessNext for one kind until exhaustion. Page errors stop
// the kind and are reported in the summary, never panicked or swallowed.
func (b *backfiller) drainKind(ctx context.Context, accountID string, kind ObjectKind, params SyncParams) KindSummary {
	summary := KindSummary{}
	for {
		result, err := b.ProcessNext(ctx, accountID, kind, params)
		if err != nil {
			b.logger.Error("backfill page failed",
				zap.String("account_id", accountID),
				zap.String("object", string(kind)),
				zap.Error(err))
			summary.Errors++
			summary.Error = err.Error()
			return summary
		}
		summary.Synced += result.Processed
		if !result.HasMore {
			return summary
		}
	}
}

// resolveKinds expands the object selector into the ordered kind list. When
// related-entity backfill is on, a single-kind request also pulls in parent
// kinds that have never been synced, so foreign keys resolve to real rows
// instead of stubs.
func (b *backfiller) resolveKinds(ctx context.Context, accountID, object string) ([]ObjectKind, error) {
	if object == "" || object == "all" {
		return SupportedSyncObjects(), nil
	}
	kind := ObjectKind(object)
	if _, ok := kindRegistry[kind]; !ok {
		return nil, errors.Errorf("unsupported object kind %q", object)
	}
	if !b.backfillRelated {
		return []ObjectKind{kind}, nil
	}

	wanted := map[ObjectKind]bool{kind: true}
	collectParents(kind, wanted)
	kinds := make([]ObjectKind, 0, len(wanted))
	for _, candidate := range backfillOrder {
		if !wanted[candidate] {
			continue
		}
		if candidate != kind {
			_, synced, err := b.store.GetCursor(ctx, string(candidate), accountID)
			if err != nil {
				return nil, err
			}
			if synced {
				continue
			}
		}
		kinds = append(kinds, candidate)
	}
	return kinds, nil
}

// collectParents marks kind's transitive parent kinds in seen.
func collectParents(kind ObjectKind, seen map[ObjectKind]bool) {
	for _, parent := range kindRegistry[kind].Parents {
		if seen[parent.Kind] {
			continue
		}
		seen[parent.Kind] = true
		collectParents(parent.Kind, seen)
	}
}
