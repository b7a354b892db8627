package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/synclayer/stripe-sync/internal/config"
	"github.com/synclayer/stripe-sync/internal/db"
	"github.com/synclayer/stripe-sync/internal/stripeclient"
	"github.com/synclayer/stripe-sync/internal/sync"
)

// stubDB satisfies db.DB for handler tests; only the paths the handlers
// exercise are implemented.
type stubDB struct {
	pingErr error
}

func (s *stubDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("stubDB: Query not supported")
}
func (s *stubDB) QueryRow(context.Context, string, ...any) pgx.Row { return stubRow{} }
func (s *stubDB) Exec(context.Context, string, ...any) (int64, error) {
	return 1, nil
}
func (s *stubDB) WithTx(_ context.Context, fn func(q db.Queryer) error) error { return fn(s) }
func (s *stubDB) WithAdvisoryLock(_ context.Context, _ string, fn func(q db.Queryer) error) error {
	return fn(s)
}
func (s *stubDB) Ping(context.Context) error { return s.pingErr }
func (s *stubDB) Close()                     {}

type stubRow struct{}

func (stubRow) Scan(...any) error { return pgx.ErrNoRows }

// stubStore satisfies sync.Store. Runs are rejected as concurrent when
// concurrentRun is set, which is all the sync handler tests need.
type stubStore struct {
	concurrentRun bool
	latest        *sync.RunStatus
}

func (s *stubStore) GetCursor(context.Context, string, string) (*string, bool, error) {
	return nil, false, nil
}
func (s *stubStore) EnsureCursor(context.Context, string, string) error      { return nil }
func (s *stubStore) AdvanceCursor(context.Context, string, string, string) error { return nil }
func (s *stubStore) OpenRun(_ context.Context, accountID string, _ int, _ string) (uuid.UUID, error) {
	if s.concurrentRun {
		return uuid.Nil, &sync.ConcurrentRunError{AccountID: accountID}
	}
	return uuid.New(), nil
}
func (s *stubStore) CloseRun(context.Context, uuid.UUID) error { return nil }
func (s *stubStore) CreateObjectRuns(context.Context, uuid.UUID, []sync.ObjectKind) error {
	return nil
}
func (s *stubStore) ClaimObjectRun(context.Context, uuid.UUID, sync.ObjectKind) (bool, error) {
	return true, nil
}
func (s *stubStore) FinishObjectRun(context.Context, uuid.UUID, sync.ObjectKind, sync.ObjRunStatus, int, string) error {
	return nil
}
func (s *stubStore) LatestRun(context.Context, string) (*sync.RunStatus, bool, error) {
	return s.latest, s.latest != nil, nil
}
func (s *stubStore) UpsertAccountStub(context.Context, string) error       { return nil }
func (s *stubStore) UpsertAccount(context.Context, string, []byte) error   { return nil }
func (s *stubStore) ListCustomerIDs(context.Context, string, string, int) ([]string, error) {
	return nil, nil
}
func (s *stubStore) DeleteAccountData(context.Context, string, bool, bool) (map[string]int64, error) {
	return map[string]int64{}, nil
}
func (s *stubStore) ListManagedWebhooks(context.Context, string) ([]sync.ManagedWebhook, error) {
	return nil, nil
}
func (s *stubStore) ManagedWebhooksByURL(context.Context, string, string) ([]sync.ManagedWebhook, error) {
	return nil, nil
}
func (s *stubStore) InsertManagedWebhook(context.Context, sync.ManagedWebhook) error { return nil }
func (s *stubStore) DeleteManagedWebhook(context.Context, string, string) error      { return nil }

// stubProvider satisfies sync.ProviderClient. Signature "valid" passes event
// verification; everything else fails the way a tampered delivery would.
type stubProvider struct{}

func (stubProvider) RetrieveAccount(context.Context) (*stripe.Account, error) {
	return &stripe.Account{ID: "acct_A"}, nil
}
func (stubProvider) ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	if signatureHeader != "valid" {
		return stripe.Event{}, &stripeclient.SignatureError{Err: errors.New("bad signature")}
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, err
	}
	return event, nil
}
func (stubProvider) List(context.Context, string, stripeclient.ListParams) (*stripeclient.ListPage, error) {
	return &stripeclient.ListPage{}, nil
}
func (stubProvider) Retrieve(context.Context, string, string) (json.RawMessage, error) {
	return nil, stripeclient.ErrNotFound
}
func (stubProvider) CreateWebhookEndpoint(context.Context, string, []string, map[string]string, string) (*stripe.WebhookEndpoint, error) {
	return &stripe.WebhookEndpoint{ID: "we_1"}, nil
}
func (stubProvider) RetrieveWebhookEndpoint(context.Context, string) (*stripe.WebhookEndpoint, error) {
	return nil, stripeclient.ErrNotFound
}
func (stubProvider) DeleteWebhookEndpoint(context.Context, string) error { return nil }
func (stubProvider) ListWebhookEndpoints(context.Context) ([]*stripe.WebhookEndpoint, error) {
	return nil, nil
}

func newTestServer(t *testing.T, store *stubStore, database *stubDB) *Server {
	t.Helper()
	cfg := &config.Config{
		Stage:         config.StageLocal,
		Schema:        "stripe",
		MaxConcurrent: 4,
		PageSize:      100,
		Port:          "0",
	}
	engine, err := sync.New(sync.Options{
		DB:       database,
		Store:    store,
		Provider: stubProvider{},
		Logger:   zap.NewNop(),
		Config:   cfg,
	})
	require.NoError(t, err)
	return New(cfg, engine, database, zap.NewNop())
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		server := newTestServer(t, &stubStore{}, &stubDB{})
		w := httptest.NewRecorder()
		server.http.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("database down", func(t *testing.T) {
		server := newTestServer(t, &stubStore{}, &stubDB{pingErr: errors.New("connection refused")})
		w := httptest.NewRecorder()
		server.http.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestWebhookEndpoint(t *testing.T) {
	payload := `{"id": "evt_1", "type": "balance.available", "data": {"object": {"id": "bal_1"}}}`

	t.Run("bad signature is a 400", func(t *testing.T) {
		server := newTestServer(t, &stubStore{}, &stubDB{})
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
		req.Header.Set("Stripe-Signature", "tampered")
		w := httptest.NewRecorder()
		server.http.Handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("verified delivery is acknowledged", func(t *testing.T) {
		server := newTestServer(t, &stubStore{}, &stubDB{})
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
		req.Header.Set("Stripe-Signature", "valid")
		w := httptest.NewRecorder()
		server.http.Handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestSyncEndpoint(t *testing.T) {
	t.Run("concurrent run is a 409", func(t *testing.T) {
		server := newTestServer(t, &stubStore{concurrentRun: true}, &stubDB{})
		req := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(`{"object": "customer"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		server.http.Handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("empty account syncs clean", func(t *testing.T) {
		server := newTestServer(t, &stubStore{}, &stubDB{})
		req := httptest.NewRequest(http.MethodPost, "/sync", nil)
		w := httptest.NewRecorder()
		server.http.Handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "results")
	})
}

func TestSyncStatusEndpoint(t *testing.T) {
	t.Run("no runs yet", func(t *testing.T) {
		server := newTestServer(t, &stubStore{}, &stubDB{})
		w := httptest.NewRecorder()
		server.http.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sync/status", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("latest run reported", func(t *testing.T) {
		server := newTestServer(t, &stubStore{latest: &sync.RunStatus{
			RunID:     uuid.New(),
			AccountID: "acct_A",
			Status:    "complete",
		}}, &stubDB{})
		w := httptest.NewRecorder()
		server.http.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sync/status", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"complete"`)
	})
}
