package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/subwise/subwise-go/internal/cache"
	"github.com/subwise/subwise-go/internal/dispatch"
	"github.com/subwise/subwise-go/internal/errs"
	"github.com/subwise/subwise-go/internal/model"
	"github.com/subwise/subwise-go/internal/storage/memory"
)

type scriptedClient struct {
	responses []ResponseCode
	calls     []string
}

var _ Client = (*scriptedClient)(nil)

func (c *scriptedClient) pop() ResponseCode {
	if len(c.responses) == 0 {
		return ResponseOK
	}
	r := c.responses[0]
	c.responses = c.responses[1:]
	return r
}

func (c *scriptedClient) Acknowledge(token string, done func(ResponseCode)) {
	c.calls = append(c.calls, "acknowledge:"+token)
	done(c.pop())
}

func (c *scriptedClient) Consume(token string, done func(ResponseCode)) {
	c.calls = append(c.calls, "consume:"+token)
	done(c.pop())
}

type fakeProvider struct {
	client       Client
	acquisitions int
}

var _ ClientProvider = (*fakeProvider)(nil)

func (p *fakeProvider) WithConnectedClient(fn func(Client)) {
	p.acquisitions++
	fn(p.client)
}

// inlineRunAfter records each scheduled delay and runs the task immediately so
// retry runs finish without waiting out real backoff.
func inlineRunAfter(delays *[]time.Duration) RunAfter {
	return func(after time.Duration, fn func()) {
		*delays = append(*delays, after)
		fn()
	}
}

func runAcknowledge(
	t *testing.T,
	responses []ResponseCode,
	source model.InitiationSource,
	inBackground bool,
) (delays []time.Duration, acquisitions int, gotToken string, gotErr *errs.Error) {
	t.Helper()
	cl := &scriptedClient{responses: responses}
	provider := &fakeProvider{client: cl}
	done := false
	ex := newExecutor(
		"acknowledge", "tok", source,
		provider, inlineRunAfter(&delays),
		func() bool { return inBackground },
		zap.NewNop(),
		Client.Acknowledge,
		func(tok string) { done = true; gotToken = tok },
		func(cerr *errs.Error) { done = true; gotErr = cerr },
	)
	ex.Run()
	require.True(t, done, "executor must reach a terminal outcome")
	return delays, provider.acquisitions, gotToken, gotErr
}

func TestExecutor_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()
	delays, acquisitions, token, cerr := runAcknowledge(
		t, []ResponseCode{ResponseOK}, model.SourcePurchase, false)

	require.Nil(t, cerr)
	require.Equal(t, "tok", token)
	require.Equal(t, 1, acquisitions)
	require.Equal(t, []time.Duration{0}, delays)
}

func TestExecutor_DisconnectionReissuesWithoutConsumingRetries(t *testing.T) {
	t.Parallel()
	delays, acquisitions, token, cerr := runAcknowledge(
		t,
		[]ResponseCode{ResponseServiceDisconnected, ResponseServiceDisconnected, ResponseOK},
		model.SourcePurchase, false)

	require.Nil(t, cerr)
	require.Equal(t, "tok", token)
	require.Equal(t, 3, acquisitions, "each reissue reacquires a connected client")
	require.Equal(t, []time.Duration{0, 0, 0}, delays, "disconnections never back off")
}

func TestExecutor_NetworkErrorDuringPurchaseRetriesThreeTimes(t *testing.T) {
	t.Parallel()
	responses := []ResponseCode{
		ResponseNetworkError, ResponseNetworkError, ResponseNetworkError, ResponseNetworkError,
	}
	delays, _, _, cerr := runAcknowledge(t, responses, model.SourcePurchase, false)

	require.NotNil(t, cerr)
	require.Equal(t, errs.KindNetwork, cerr.Kind)
	require.Equal(t, []time.Duration{
		0,
		878 * time.Millisecond,
		1756 * time.Millisecond,
		3512 * time.Millisecond,
	}, delays)
}

func TestExecutor_StoreErrorDuringRestoreRetriesThreeTimes(t *testing.T) {
	t.Parallel()
	responses := []ResponseCode{ResponseError, ResponseError, ResponseError, ResponseError}
	delays, _, _, cerr := runAcknowledge(t, responses, model.SourceRestore, false)

	require.NotNil(t, cerr)
	require.Equal(t, errs.KindStoreProblem, cerr.Kind)
	require.Len(t, delays, 4, "three retries after the initial attempt")
}

func TestExecutor_SweepTransientRetriesUntilTimeCap(t *testing.T) {
	t.Parallel()
	responses := make([]ResponseCode, 20)
	for i := range responses {
		responses[i] = ResponseError
	}
	delays, _, _, cerr := runAcknowledge(
		t, responses, model.SourceUnsyncedActivePurchases, true)

	require.NotNil(t, cerr)
	require.Equal(t, errs.KindStoreProblem, cerr.Kind)
	require.Len(t, delays, 12)
	require.Equal(t, time.Duration(0), delays[0])
	require.Equal(t, 878*time.Millisecond, delays[1])
	last := delays[len(delays)-1]
	require.Less(t, last, backoff15MinCap())
	require.Greater(t, last, backoff15MinCap()-time.Second)
}

func TestExecutor_ServiceUnavailableForegroundCapsAtFourSeconds(t *testing.T) {
	t.Parallel()
	for _, source := range []model.InitiationSource{
		model.SourcePurchase, model.SourceRestore, model.SourceUnsyncedActivePurchases,
	} {
		responses := make([]ResponseCode, 10)
		for i := range responses {
			responses[i] = ResponseServiceUnavailable
		}
		delays, _, _, cerr := runAcknowledge(t, responses, source, false)

		require.NotNil(t, cerr, source.String())
		require.Equal(t, errs.KindStoreProblem, cerr.Kind, source.String())
		require.Equal(t, []time.Duration{
			0,
			878 * time.Millisecond,
			1756 * time.Millisecond,
			3512 * time.Millisecond,
		}, delays, source.String())
	}
}

func TestExecutor_ServiceUnavailableBackgroundRetriesToFullCap(t *testing.T) {
	t.Parallel()
	responses := make([]ResponseCode, 20)
	for i := range responses {
		responses[i] = ResponseServiceUnavailable
	}
	delays, _, _, cerr := runAcknowledge(t, responses, model.SourcePurchase, true)

	require.NotNil(t, cerr)
	require.Len(t, delays, 12)
	require.Greater(t, delays[len(delays)-1], backoff15MinCap()-time.Second)
}

func TestExecutor_ItemUnavailableIsTerminal(t *testing.T) {
	t.Parallel()
	delays, acquisitions, _, cerr := runAcknowledge(
		t, []ResponseCode{ResponseItemUnavailable}, model.SourcePurchase, false)

	require.NotNil(t, cerr)
	require.Equal(t, errs.KindProductNotAvailable, cerr.Kind)
	require.Equal(t, 1, acquisitions)
	require.Equal(t, []time.Duration{0}, delays)
}

func TestExecutor_ItemNotOwnedDuringRestoreSignalsAccountMismatch(t *testing.T) {
	t.Parallel()
	_, _, _, cerr := runAcknowledge(
		t, []ResponseCode{ResponseItemNotOwned}, model.SourceRestore, false)

	require.NotNil(t, cerr)
	require.Equal(t, errs.KindPurchaseNotAllowed, cerr.Kind)
	require.Contains(t, cerr.Message, "restoring")
}

func backoff15MinCap() time.Duration { return 15 * time.Minute }

// --- wrapper decision table ---

type wrapperFixture struct {
	wrapper *Wrapper
	client  *scriptedClient
	cache   *cache.DeviceCache
}

func newWrapperFixture(t *testing.T, responses []ResponseCode) *wrapperFixture {
	t.Helper()
	cl := &scriptedClient{responses: responses}
	dc := cache.New(memory.New(), zap.NewNop())
	d := dispatch.NewSynchronous()
	t.Cleanup(d.Close)
	w := NewWrapper(
		&fakeProvider{client: cl}, nil, dc, d,
		func() bool { return false }, zap.NewNop(),
	)
	return &wrapperFixture{wrapper: w, client: cl, cache: dc}
}

func (f *wrapperFixture) tokenRecorded(t *testing.T, token string) bool {
	t.Helper()
	unsynced, err := f.cache.ActivePurchasesNotInCache(context.Background(), []model.HashedPurchase{
		{Hash: cache.HashToken(token), Transaction: model.StoreTransaction{PurchaseToken: token}},
	})
	require.NoError(t, err)
	return len(unsynced) == 0
}

func purchasedTxn(token string, pt model.ProductType) model.StoreTransaction {
	return model.StoreTransaction{
		ProductIDs:    []string{"p1"},
		PurchaseToken: token,
		PurchaseState: model.PurchaseStatePurchased,
		Type:          pt,
	}
}

func TestConsumeAndSave_SubscriptionIsAcknowledgedAndRecorded(t *testing.T) {
	t.Parallel()
	f := newWrapperFixture(t, []ResponseCode{ResponseOK})

	f.wrapper.ConsumeAndSave(true, purchasedTxn("tok-sub", model.ProductTypeSubscription),
		true, model.SourcePurchase)

	require.Equal(t, []string{"acknowledge:tok-sub"}, f.client.calls,
		"subscriptions are acknowledged even when consumption is requested")
	require.True(t, f.tokenRecorded(t, "tok-sub"))
}

func TestConsumeAndSave_OneTimeProductIsConsumed(t *testing.T) {
	t.Parallel()
	f := newWrapperFixture(t, []ResponseCode{ResponseOK})

	f.wrapper.ConsumeAndSave(true, purchasedTxn("tok-otp", model.ProductTypeOneTime),
		true, model.SourcePurchase)

	require.Equal(t, []string{"consume:tok-otp"}, f.client.calls)
	require.True(t, f.tokenRecorded(t, "tok-otp"))
}

func TestConsumeAndSave_FinishTransactionsDisabledRecordsWithoutStoreCall(t *testing.T) {
	t.Parallel()
	f := newWrapperFixture(t, nil)

	f.wrapper.ConsumeAndSave(false, purchasedTxn("tok-host", model.ProductTypeSubscription),
		true, model.SourcePurchase)

	require.Empty(t, f.client.calls, "host app owns finalization")
	require.True(t, f.tokenRecorded(t, "tok-host"))
}

func TestConsumeAndSave_PendingPurchaseIsSkippedEntirely(t *testing.T) {
	t.Parallel()
	f := newWrapperFixture(t, nil)

	txn := purchasedTxn("tok-pending", model.ProductTypeOneTime)
	txn.PurchaseState = model.PurchaseStatePending
	f.wrapper.ConsumeAndSave(true, txn, true, model.SourcePurchase)

	require.Empty(t, f.client.calls)
	require.False(t, f.tokenRecorded(t, "tok-pending"),
		"pending purchases must be re-examined on the next sweep")
}

func TestConsumeAndSave_AlreadyAcknowledgedRecordsWithoutStoreCall(t *testing.T) {
	t.Parallel()
	f := newWrapperFixture(t, nil)

	txn := purchasedTxn("tok-acked", model.ProductTypeSubscription)
	txn.IsAcknowledged = true
	f.wrapper.ConsumeAndSave(true, txn, false, model.SourceRestore)

	require.Empty(t, f.client.calls)
	require.True(t, f.tokenRecorded(t, "tok-acked"))
}

func TestConsumeAndSave_TerminalFailureDoesNotRecordToken(t *testing.T) {
	t.Parallel()
	f := newWrapperFixture(t, []ResponseCode{ResponseItemUnavailable})

	f.wrapper.ConsumeAndSave(true, purchasedTxn("tok-fail", model.ProductTypeSubscription),
		false, model.SourcePurchase)

	require.Equal(t, []string{"acknowledge:tok-fail"}, f.client.calls)
	require.False(t, f.tokenRecorded(t, "tok-fail"))
}

func TestAcknowledge_ReportsCompletionWithToken(t *testing.T) {
	t.Parallel()
	f := newWrapperFixture(t, []ResponseCode{ResponseOK})

	var gotToken string
	var gotErr *errs.Error
	f.wrapper.Acknowledge("tok-direct", model.SourcePurchase, func(tok string, cerr *errs.Error) {
		gotToken = tok
		gotErr = cerr
	})

	require.Nil(t, gotErr)
	require.Equal(t, "tok-direct", gotToken)
}
