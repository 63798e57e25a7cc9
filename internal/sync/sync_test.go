package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/subwise/subwise-go/internal/backend"
	"github.com/subwise/subwise-go/internal/billing"
	"github.com/subwise/subwise-go/internal/cache"
	"github.com/subwise/subwise-go/internal/dispatch"
	"github.com/subwise/subwise-go/internal/errs"
	"github.com/subwise/subwise-go/internal/model"
	"github.com/subwise/subwise-go/internal/storage/memory"
)

type fakeQuerier struct {
	queue []model.HashedPurchase
	calls int
}

var _ billing.PurchaseQuerier = (*fakeQuerier)(nil)

func (q *fakeQuerier) QueryPurchases(ctx context.Context, appUserID string) ([]model.HashedPurchase, error) {
	q.calls++
	return q.queue, nil
}

func (q *fakeQuerier) QueryAllPurchases(ctx context.Context, appUserID string) ([]model.StoreTransaction, error) {
	out := make([]model.StoreTransaction, 0, len(q.queue))
	for _, p := range q.queue {
		out = append(out, p.Transaction)
	}
	return out, nil
}

type okClient struct {
	mu    sync.Mutex
	calls []string
}

var _ billing.Client = (*okClient)(nil)

func (c *okClient) Acknowledge(token string, done func(billing.ResponseCode)) {
	c.mu.Lock()
	c.calls = append(c.calls, "acknowledge:"+token)
	c.mu.Unlock()
	done(billing.ResponseOK)
}

func (c *okClient) Consume(token string, done func(billing.ResponseCode)) {
	c.mu.Lock()
	c.calls = append(c.calls, "consume:"+token)
	c.mu.Unlock()
	done(billing.ResponseOK)
}

type okProvider struct{ client billing.Client }

var _ billing.ClientProvider = (*okProvider)(nil)

func (p *okProvider) WithConnectedClient(fn func(billing.Client)) { fn(p.client) }

type nilProducts struct{}

var _ StoreProductsProvider = nilProducts{}

func (nilProducts) ProductForTransaction(context.Context, model.StoreTransaction) (*model.StoreProduct, error) {
	return nil, nil
}

type scriptedHTTP struct {
	mu        sync.Mutex
	requests  int
	responses []backend.HTTPResult
}

var _ backend.HTTPExecutor = (*scriptedHTTP)(nil)

func (e *scriptedHTTP) PerformRequest(
	ctx context.Context, path string, body any, fieldsToSign []string, headers map[string]string,
) (backend.HTTPResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests++
	if len(e.responses) == 0 {
		return backend.HTTPResult{Code: 200, Body: subscriberJSON("u1"), Origin: backend.OriginBackend}, nil
	}
	r := e.responses[0]
	e.responses = e.responses[1:]
	return r, nil
}

func subscriberJSON(appUserID string) []byte {
	return []byte(fmt.Sprintf(`{
		"request_date": %q,
		"subscriber": {"original_app_user_id": %q, "entitlements": {}, "subscriptions": {}}
	}`, time.Now().UTC().Format(time.RFC3339), appUserID))
}

type staticIdentity string

func (s staticIdentity) CurrentAppUserID() string { return string(s) }

func subPurchase(token string, productIDs ...string) model.HashedPurchase {
	return model.HashedPurchase{
		Hash: cache.HashToken(token),
		Transaction: model.StoreTransaction{
			ProductIDs:    productIDs,
			PurchaseToken: token,
			PurchaseTime:  time.Unix(1700000000, 0),
			PurchaseState: model.PurchaseStatePurchased,
			Type:          model.ProductTypeSubscription,
		},
	}
}

type fixture struct {
	orch    *Orchestrator
	querier *fakeQuerier
	client  *okClient
	cache   *cache.DeviceCache
	http    *scriptedHTTP
}

func newFixture(t *testing.T, autoSync bool, queue []model.HashedPurchase, responses []backend.HTTPResult) *fixture {
	t.Helper()
	log := zap.NewNop()
	d := dispatch.NewSynchronous()
	t.Cleanup(d.Close)

	querier := &fakeQuerier{queue: queue}
	client := &okClient{}
	deviceCache := cache.New(memory.New(), log)
	wrapper := billing.NewWrapper(
		&okProvider{client: client}, querier, deviceCache, d,
		func() bool { return true }, log)
	http := &scriptedHTTP{responses: responses}
	b := backend.New(http, d, log)
	poster := NewPoster(b, wrapper, deviceCache, nilProducts{},
		NewQueueCalculator(querier), true, log)
	orch := NewOrchestrator(autoSync, staticIdentity("u1"), querier, deviceCache, poster, d, log)
	return &fixture{orch: orch, querier: querier, client: client, cache: deviceCache, http: http}
}

func (f *fixture) sweep(t *testing.T) []Result {
	t.Helper()
	var results []Result
	f.orch.SyncPendingPurchaseQueue(false, func(r Result) { results = append(results, r) })
	return results
}

func (f *fixture) tokenRecorded(t *testing.T, token string) bool {
	t.Helper()
	unsynced, err := f.cache.ActivePurchasesNotInCache(
		context.Background(), []model.HashedPurchase{subPurchase(token, "p")})
	require.NoError(t, err)
	return len(unsynced) == 0
}

func TestSweep_AutoSyncDisabledDoesNoIO(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, []model.HashedPurchase{subPurchase("tok", "p")}, nil)

	results := f.sweep(t)

	require.Len(t, results, 1)
	require.Equal(t, OutcomeAutoSyncDisabled, results[0].Outcome)
	require.Zero(t, f.querier.calls)
	require.Zero(t, f.http.requests)
}

func TestSweep_NothingUnsyncedReportsNoPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, []model.HashedPurchase{subPurchase("tok", "p")}, nil)
	require.NoError(t, f.cache.AddSuccessfullyPostedToken(context.Background(), "tok"))

	results := f.sweep(t)

	require.Len(t, results, 1)
	require.Equal(t, OutcomeNoPendingPurchases, results[0].Outcome)
	require.Zero(t, f.http.requests)
}

func TestSweep_PostsAllUnsyncedAndReportsLastSnapshot(t *testing.T) {
	t.Parallel()
	queue := []model.HashedPurchase{subPurchase("tok-1", "p1"), subPurchase("tok-2", "p2")}
	f := newFixture(t, true, queue, []backend.HTTPResult{
		{Code: 200, Body: subscriberJSON("u1-first"), Origin: backend.OriginBackend},
		{Code: 200, Body: subscriberJSON("u1-last"), Origin: backend.OriginBackend},
	})

	results := f.sweep(t)

	require.Len(t, results, 1)
	require.Equal(t, OutcomeSuccess, results[0].Outcome)
	require.Equal(t, "u1-last", results[0].CustomerInfo.OriginalAppUserID,
		"success carries the snapshot of the last transaction in submission order")
	require.Equal(t, 2, f.http.requests)
	require.True(t, f.tokenRecorded(t, "tok-1"))
	require.True(t, f.tokenRecorded(t, "tok-2"))
	require.Equal(t, []string{"acknowledge:tok-1", "acknowledge:tok-2"}, f.client.calls)
}

func TestSweep_PrunesTokensThatLeftTheQueue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, []model.HashedPurchase{subPurchase("tok-live", "p")}, nil)
	require.NoError(t, f.cache.AddSuccessfullyPostedToken(context.Background(), "tok-live"))
	require.NoError(t, f.cache.AddSuccessfullyPostedToken(context.Background(), "tok-departed"))

	results := f.sweep(t)

	require.Equal(t, OutcomeNoPendingPurchases, results[0].Outcome)
	require.False(t, f.tokenRecorded(t, "tok-departed"),
		"a departed token must be re-posted if it ever reappears")
}

func TestSweep_FirstErrorWinsAndIsReportedOnce(t *testing.T) {
	t.Parallel()
	queue := []model.HashedPurchase{subPurchase("tok-1", "p1"), subPurchase("tok-2", "p2")}
	f := newFixture(t, true, queue, []backend.HTTPResult{
		{Code: 400, Body: []byte(`{"code":1234,"message":"rejected"}`)},
		{Code: 200, Body: subscriberJSON("u1"), Origin: backend.OriginBackend},
	})

	results := f.sweep(t)

	require.Len(t, results, 1, "exactly one terminal report per sweep")
	require.Equal(t, OutcomeError, results[0].Outcome)
	require.Equal(t, errs.KindUnknownBackend, errs.KindOf(results[0].Err))
	require.False(t, f.tokenRecorded(t, "tok-1"))
	require.True(t, f.tokenRecorded(t, "tok-2"),
		"remaining posts still run to completion and update shared state")
}

func TestSweep_PermanentRejectionIsMarkedSynced(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, []model.HashedPurchase{subPurchase("tok-doomed", "p")},
		[]backend.HTTPResult{{Code: 400, Body: []byte(`{"code":7226,"message":"rejected"}`)}})

	results := f.sweep(t)

	require.Equal(t, OutcomeError, results[0].Outcome)
	require.True(t, f.tokenRecorded(t, "tok-doomed"),
		"doomed receipts stop being resubmitted")
	require.Empty(t, f.client.calls, "rejected purchases are never finalized")
}

func TestSweep_ServerErrorFallsBackToOfflineEntitlements(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, []model.HashedPurchase{subPurchase("tok-sub", "premium")},
		[]backend.HTTPResult{{Code: 500, Body: []byte(`{"code":7110,"message":"internal"}`)}})

	results := f.sweep(t)

	require.Len(t, results, 1)
	require.Equal(t, OutcomeSuccess, results[0].Outcome)
	info := results[0].CustomerInfo
	require.Equal(t, model.VerificationVerifiedOnDevice, info.Verification)
	require.True(t, info.Entitlements["premium"].IsActive)
	require.Empty(t, f.client.calls, "purchase must not be consumed on offline fallback")
	require.False(t, f.tokenRecorded(t, "tok-sub"),
		"the receipt is still owed to the backend")
}

func TestQueueCalculator_SkipsPendingPurchases(t *testing.T) {
	t.Parallel()
	pending := subPurchase("tok-pending", "gold")
	pending.Transaction.PurchaseState = model.PurchaseStatePending
	q := &fakeQuerier{queue: []model.HashedPurchase{pending, subPurchase("tok-ok", "silver")}}

	info, err := NewQueueCalculator(q).Compute(context.Background(), "u1")
	require.NoError(t, err)
	require.NotContains(t, info.Entitlements, "gold")
	require.True(t, info.Entitlements["silver"].IsActive)
}
