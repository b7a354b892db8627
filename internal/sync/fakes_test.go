package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v82"
	"github.com/tidwall/gjson"

	"github.com/synclayer/stripe-sync/internal/db"
	"github.com/synclayer/stripe-sync/internal/stripeclient"
)

// execCall records one statement the code under test issued.
type execCall struct {
	SQL  string
	Args []any
}

// fakeDB records Exec calls and serializes advisory-lock sections with a real
// mutex, which is enough to exercise the engine's write paths without a
// database.
type fakeDB struct {
	mu       gosync.Mutex
	lockMu   gosync.Mutex
	calls    []execCall
	execErr  error
	txCount  int
	txFailAt int
}

func newFakeDB() *fakeDB { return &fakeDB{} }

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return 0, f.execErr
	}
	f.calls = append(f.calls, execCall{SQL: sql, Args: args})
	return 1, nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeDB: Query not supported")
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return noRow{}
}

func (f *fakeDB) WithTx(_ context.Context, fn func(q db.Queryer) error) error {
	f.mu.Lock()
	f.txCount++
	fail := f.txFailAt > 0 && f.txCount == f.txFailAt
	f.mu.Unlock()
	if fail {
		return errors.New("fakeDB: transaction failed")
	}
	return fn(f)
}

func (f *fakeDB) WithAdvisoryLock(_ context.Context, _ string, fn func(q db.Queryer) error) error {
	f.lockMu.Lock()
	defer f.lockMu.Unlock()
	return fn(f)
}

func (f *fakeDB) Ping(context.Context) error { return nil }
func (f *fakeDB) Close()                     {}

func (f *fakeDB) Calls() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]execCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type noRow struct{}

func (noRow) Scan(...any) error { return pgx.ErrNoRows }

// memStore is an in-memory Store honoring the same invariants as the
// Postgres implementation: unique cursors, at most one open run per account.
type memStore struct {
	mu gosync.Mutex

	cursors  map[string]*string // key resource|account
	accounts map[string][]byte
	runs     map[uuid.UUID]*memRun
	objRuns  map[string]*memObjRun // key runID|resource

	customerIDs map[string][]string // accountID -> sorted ids
	webhooks    map[string]ManagedWebhook
}

type memRun struct {
	AccountID string
	StartedAt time.Time
	ClosedAt  *time.Time
}

type memObjRun struct {
	Status    ObjRunStatus
	Processed int
	ErrorMsg  string
}

func newMemStore() *memStore {
	return &memStore{
		cursors:     make(map[string]*string),
		accounts:    make(map[string][]byte),
		runs:        make(map[uuid.UUID]*memRun),
		objRuns:     make(map[string]*memObjRun),
		customerIDs: make(map[string][]string),
		webhooks:    make(map[string]ManagedWebhook),
	}
}

func cursorKey(resource, accountID string) string { return resource + "|" + accountID }

func (s *memStore) GetCursor(_ context.Context, resource, accountID string) (*string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.cursors[cursorKey(resource, accountID)]
	return cursor, ok, nil
}

func (s *memStore) EnsureCursor(_ context.Context, resource, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey(resource, accountID)
	if _, ok := s.cursors[key]; !ok {
		s.cursors[key] = nil
	}
	return nil
}

func (s *memStore) AdvanceCursor(_ context.Context, resource, accountID, lastObjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := lastObjectID
	s.cursors[cursorKey(resource, accountID)] = &v
	return nil
}

func (s *memStore) OpenRun(_ context.Context, accountID string, _ int, _ string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.AccountID == accountID && run.ClosedAt == nil {
			return uuid.Nil, &ConcurrentRunError{AccountID: accountID}
		}
	}
	runID := uuid.New()
	s.runs[runID] = &memRun{AccountID: accountID, StartedAt: time.Now()}
	return runID, nil
}

func (s *memStore) CloseRun(_ context.Context, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[runID]; ok && run.ClosedAt == nil {
		now := time.Now()
		run.ClosedAt = &now
	}
	return nil
}

func (s *memStore) CreateObjectRuns(_ context.Context, runID uuid.UUID, kinds []ObjectKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range kinds {
		s.objRuns[runID.String()+"|"+string(kind)] = &memObjRun{Status: ObjRunPending}
	}
	return nil
}

func (s *memStore) ClaimObjectRun(_ context.Context, runID uuid.UUID, kind ObjectKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objRun, ok := s.objRuns[runID.String()+"|"+string(kind)]
	if !ok || objRun.Status != ObjRunPending {
		return false, nil
	}
	objRun.Status = ObjRunRunning
	return true, nil
}

func (s *memStore) FinishObjectRun(_ context.Context, runID uuid.UUID, kind ObjectKind, status ObjRunStatus, processed int, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objRuns[runID.String()+"|"+string(kind)] = &memObjRun{Status: status, Processed: processed, ErrorMsg: errorMessage}
	return nil
}

func (s *memStore) LatestRun(_ context.Context, accountID string) (*RunStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latestID uuid.UUID
	var latest *memRun
	for id, run := range s.runs {
		if run.AccountID != accountID {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latestID, latest = id, run
		}
	}
	if latest == nil {
		return nil, false, nil
	}
	status := "running"
	if latest.ClosedAt != nil {
		status = "complete"
		for key, objRun := range s.objRuns {
			if objRun.Status == ObjRunError && key[:len(latestID.String())] == latestID.String() {
				status = "error"
			}
		}
	}
	return &RunStatus{RunID: latestID, AccountID: accountID, Status: status, StartedAt: latest.StartedAt, ClosedAt: latest.ClosedAt}, true, nil
}

func (s *memStore) UpsertAccountStub(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		s.accounts[accountID] = nil
	}
	return nil
}

func (s *memStore) UpsertAccount(_ context.Context, accountID string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountID] = raw
	return nil
}

func (s *memStore) ListCustomerIDs(_ context.Context, accountID, afterID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.customerIDs[accountID] {
		if id > afterID {
			out = append(out, id)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) DeleteAccountData(_ context.Context, accountID string, dryRun, _ bool) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int64{"accounts": 0}
	if _, ok := s.accounts[accountID]; ok {
		counts["accounts"] = 1
		if !dryRun {
			delete(s.accounts, accountID)
		}
	}
	return counts, nil
}

func (s *memStore) ListManagedWebhooks(_ context.Context, accountID string) ([]ManagedWebhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ManagedWebhook
	for _, w := range s.webhooks {
		if w.AccountID == accountID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *memStore) ManagedWebhooksByURL(_ context.Context, accountID, url string) ([]ManagedWebhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ManagedWebhook
	for _, w := range s.webhooks {
		if w.AccountID == accountID && w.URL == url {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *memStore) InsertManagedWebhook(_ context.Context, webhook ManagedWebhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[webhook.AccountID+"|"+webhook.ID] = webhook
	return nil
}

func (s *memStore) DeleteManagedWebhook(_ context.Context, accountID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.webhooks, accountID+"|"+id)
	return nil
}

var _ Store = (*memStore)(nil)

// fakeProvider serves canned list pages per path and keeps an in-memory
// webhook endpoint set.
type fakeProvider struct {
	mu gosync.Mutex

	accountID    string
	accountCalls int

	pages     map[string][]*stripeclient.ListPage
	listErr   map[string]error
	objects   map[string]json.RawMessage // retrieve by id
	pageIdx   map[string]int
	listen    func(path string, params stripeclient.ListParams)
	construct func(payload []byte, signatureHeader string) (stripe.Event, error)

	endpoints   map[string]*stripe.WebhookEndpoint
	createCount int
}

func newFakeProvider(accountID string) *fakeProvider {
	return &fakeProvider{
		accountID: accountID,
		pages:     make(map[string][]*stripeclient.ListPage),
		listErr:   make(map[string]error),
		objects:   make(map[string]json.RawMessage),
		pageIdx:   make(map[string]int),
		endpoints: make(map[string]*stripe.WebhookEndpoint),
	}
}

func (p *fakeProvider) addPage(path string, hasMore bool, objects ...string) {
	raws := make([]json.RawMessage, len(objects))
	for i, o := range objects {
		raws[i] = json.RawMessage(o)
	}
	p.pages[path] = append(p.pages[path], &stripeclient.ListPage{Objects: raws, HasMore: hasMore})
}

func (p *fakeProvider) RetrieveAccount(context.Context) (*stripe.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accountCalls++
	return &stripe.Account{ID: p.accountID}, nil
}

func (p *fakeProvider) ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	if p.construct != nil {
		return p.construct(payload, signatureHeader)
	}
	if signatureHeader != "valid" {
		return stripe.Event{}, &stripeclient.SignatureError{Err: errors.New("bad signature")}
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, err
	}
	if event.Data == nil {
		event.Data = &stripe.EventData{Raw: json.RawMessage(gjson.GetBytes(payload, "data.object").Raw)}
	}
	return event, nil
}

func (p *fakeProvider) List(_ context.Context, path string, params stripeclient.ListParams) (*stripeclient.ListPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listen != nil {
		p.listen(path, params)
	}
	if err := p.listErr[path]; err != nil {
		return nil, err
	}
	queued := p.pages[path]
	idx := p.pageIdx[path]
	if idx >= len(queued) {
		return &stripeclient.ListPage{HasMore: false}, nil
	}
	p.pageIdx[path] = idx + 1
	return queued[idx], nil
}

func (p *fakeProvider) Retrieve(_ context.Context, _, id string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, ok := p.objects[id]
	if !ok {
		return nil, stripeclient.ErrNotFound
	}
	return raw, nil
}

func (p *fakeProvider) CreateWebhookEndpoint(_ context.Context, endpointURL string, enabledEvents []string, metadata map[string]string, description string) (*stripe.WebhookEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCount++
	endpoint := &stripe.WebhookEndpoint{
		ID:            fmt.Sprintf("we_%03d", p.createCount),
		URL:           endpointURL,
		Status:        "enabled",
		Secret:        "whsec_" + fmt.Sprintf("%03d", p.createCount),
		Metadata:      metadata,
		Description:   description,
		EnabledEvents: enabledEvents,
	}
	p.endpoints[endpoint.ID] = endpoint
	return endpoint, nil
}

func (p *fakeProvider) RetrieveWebhookEndpoint(_ context.Context, id string) (*stripe.WebhookEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	endpoint, ok := p.endpoints[id]
	if !ok {
		return nil, stripeclient.ErrNotFound
	}
	return endpoint, nil
}

func (p *fakeProvider) DeleteWebhookEndpoint(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.endpoints, id)
	return nil
}

func (p *fakeProvider) ListWebhookEndpoints(context.Context) ([]*stripe.WebhookEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*stripe.WebhookEndpoint
	for _, endpoint := range p.endpoints {
		out = append(out, endpoint)
	}
	return out, nil
}

var _ ProviderClient = (*fakeProvider)(nil)
