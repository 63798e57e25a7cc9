package billing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/subwise/subwise-go/internal/cache"
	"github.com/subwise/subwise-go/internal/dispatch"
	"github.com/subwise/subwise-go/internal/errs"
	"github.com/subwise/subwise-go/internal/model"
)

// Wrapper is the high-level entry to the store: it decides whether a purchase
// needs a store-side finalization call at all, runs the executor when it does,
// and records the token in the device cache after a successful outcome. Token
// recording lives here, not in the executor, so every decision branch funnels
// through the same bookkeeping.
type Wrapper struct {
	provider ClientProvider
	querier  PurchaseQuerier
	cache    *cache.DeviceCache
	main     *dispatch.Dispatcher
	inBG     func() bool
	log      *zap.Logger
}

// NewWrapper wires the store layer. main must be a serialized dispatcher; all
// billing calls are issued through it.
func NewWrapper(
	provider ClientProvider,
	querier PurchaseQuerier,
	deviceCache *cache.DeviceCache,
	main *dispatch.Dispatcher,
	inBG func() bool,
	log *zap.Logger,
) *Wrapper {
	return &Wrapper{
		provider: provider,
		querier:  querier,
		cache:    deviceCache,
		main:     main,
		inBG:     inBG,
		log:      log,
	}
}

// Querier exposes the purchase queue reader for the sync layer.
func (w *Wrapper) Querier() PurchaseQuerier { return w.querier }

func (w *Wrapper) runAfter(after time.Duration, fn func()) {
	if after <= 0 {
		w.main.Enqueue(fn, dispatch.DelayNone)
		return
	}
	w.main.EnqueueAfter(fn, after)
}

// Acknowledge marks the purchase as seen by the app, retrying per the policy
// for source. onComplete receives a nil error on success.
func (w *Wrapper) Acknowledge(
	token string, source model.InitiationSource, onComplete func(token string, err *errs.Error),
) {
	newExecutor(
		"acknowledge", token, source,
		w.provider, w.runAfter, w.inBG, w.log,
		Client.Acknowledge,
		func(tok string) { onComplete(tok, nil) },
		func(cerr *errs.Error) { onComplete(token, cerr) },
	).Run()
}

// ConsumeAndSave finalizes a purchase after the backend accepted its receipt.
// The store call is skipped when nothing needs finalizing; the token is still
// recorded so reconciliation sweeps stop re-posting it.
//
// Decision table:
//   - finishTransactions disabled: record only, the host app finalizes.
//   - pending purchase: no call, no record; it is not finalizable yet.
//   - shouldConsume and one-time product: consume.
//   - already acknowledged: record only.
//   - otherwise: acknowledge.
func (w *Wrapper) ConsumeAndSave(
	finishTransactions bool,
	purchase model.StoreTransaction,
	shouldConsume bool,
	source model.InitiationSource,
) {
	if !finishTransactions {
		w.record(purchase.PurchaseToken)
		return
	}
	if purchase.PurchaseState == model.PurchaseStatePending {
		return
	}

	consuming := shouldConsume && purchase.Type == model.ProductTypeOneTime
	switch {
	case consuming:
		newExecutor(
			"consume", purchase.PurchaseToken, source,
			w.provider, w.runAfter, w.inBG, w.log,
			Client.Consume,
			w.record,
			w.logFinalizeError("consume", purchase.PurchaseToken),
		).Run()
	case purchase.IsAcknowledged:
		w.record(purchase.PurchaseToken)
	default:
		newExecutor(
			"acknowledge", purchase.PurchaseToken, source,
			w.provider, w.runAfter, w.inBG, w.log,
			Client.Acknowledge,
			w.record,
			w.logFinalizeError("acknowledge", purchase.PurchaseToken),
		).Run()
	}
}

func (w *Wrapper) record(token string) {
	if err := w.cache.AddSuccessfullyPostedToken(context.Background(), token); err != nil {
		w.log.Warn("failed to cache posted token", zap.Error(err))
	}
}

// logFinalizeError returns the failure callback for fire-and-forget finalize
// calls. The token is deliberately not recorded: the next sweep retries it.
func (w *Wrapper) logFinalizeError(op, token string) func(*errs.Error) {
	return func(cerr *errs.Error) {
		w.log.Warn("finalize call exhausted retries",
			zap.String("op", op),
			zap.String("tokenHash", string(cache.HashToken(token))),
			zap.Error(cerr))
	}
}
