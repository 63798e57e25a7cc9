// Package sync reconciles locally observed purchases with the entitlement
// backend: posting receipts, finalizing accepted purchases and sweeping the
// pending queue.
package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/subwise/subwise-go/internal/backend"
	"github.com/subwise/subwise-go/internal/billing"
	"github.com/subwise/subwise-go/internal/cache"
	"github.com/subwise/subwise-go/internal/errs"
	"github.com/subwise/subwise-go/internal/model"
)

// StoreProductsProvider supplies cached product metadata joined onto a
// transaction when posting. A nil product is valid: the backend prices the
// receipt itself, it just loses the client-observed price context.
type StoreProductsProvider interface {
	ProductForTransaction(ctx context.Context, txn model.StoreTransaction) (*model.StoreProduct, error)
}

// OfflineEntitlementsCalculator computes a device-side entitlement snapshot
// when the backend cannot answer.
type OfflineEntitlementsCalculator interface {
	Compute(ctx context.Context, appUserID string) (*model.CustomerInfo, error)
}

// Poster posts one receipt and applies the result: finalize and cache on
// success, behavior-dependent handling on failure.
type Poster struct {
	backend            *backend.Backend
	wrapper            *billing.Wrapper
	cache              *cache.DeviceCache
	products           StoreProductsProvider
	offline            OfflineEntitlementsCalculator
	finishTransactions bool
	log                *zap.Logger

	// OnOutcome observes post results for metrics. May be nil.
	OnOutcome func(outcome string)

	// OnSnapshot observes every snapshot a post produces, including
	// device-computed fallbacks. May be nil.
	OnSnapshot func(*model.CustomerInfo)
}

// NewPoster wires the post helper. offline may be nil to disable the fallback.
func NewPoster(
	b *backend.Backend,
	wrapper *billing.Wrapper,
	deviceCache *cache.DeviceCache,
	products StoreProductsProvider,
	offline OfflineEntitlementsCalculator,
	finishTransactions bool,
	log *zap.Logger,
) *Poster {
	return &Poster{
		backend:            b,
		wrapper:            wrapper,
		cache:              deviceCache,
		products:           products,
		offline:            offline,
		finishTransactions: finishTransactions,
		log:                log,
	}
}

// PostTransaction posts the receipt for txn. On acceptance the purchase is
// finalized and the snapshot cached. On a server-side failure the offline
// calculator may still produce a device-verified snapshot, delivered through
// onSuccess with the purchase left unfinished.
func (p *Poster) PostTransaction(
	txn model.StoreTransaction,
	appUserID string,
	allowSharingAccount bool,
	source model.InitiationSource,
	onSuccess func(*model.CustomerInfo),
	onError func(error),
) {
	ctx := context.Background()
	product, err := p.products.ProductForTransaction(ctx, txn)
	if err != nil {
		p.log.Debug("no product metadata for transaction, posting without price",
			zap.Strings("productIDs", txn.ProductIDs), zap.Error(err))
		product = nil
	}

	req := backend.PostReceiptRequest{
		Token:              txn.PurchaseToken,
		AppUserID:          appUserID,
		IsRestore:          allowSharingAccount,
		FinishTransactions: p.finishTransactions,
		ReceiptInfo:        model.ReceiptInfoFrom(txn, product),
		StoreAppUserID:     txn.StoreUserID,
		Source:             source,
	}

	p.backend.PostReceipt(req,
		func(info *model.CustomerInfo) {
			p.wrapper.ConsumeAndSave(p.finishTransactions, txn, true, source)
			if cerr := p.cache.CacheCustomerInfo(ctx, appUserID, *info); cerr != nil {
				p.log.Warn("failed to cache customer info", zap.Error(cerr))
			}
			p.observe("success")
			p.publish(info)
			onSuccess(info)
		},
		func(postErr error) {
			p.handlePostError(ctx, txn, appUserID, postErr, onSuccess, onError)
		})
}

func (p *Poster) handlePostError(
	ctx context.Context,
	txn model.StoreTransaction,
	appUserID string,
	postErr error,
	onSuccess func(*model.CustomerInfo),
	onError func(error),
) {
	switch backend.BehaviorOf(postErr) {
	case backend.ShouldBeMarkedSynced:
		// The backend will never accept this receipt; stop resubmitting it.
		if cerr := p.cache.AddSuccessfullyPostedToken(ctx, txn.PurchaseToken); cerr != nil {
			p.log.Warn("failed to mark rejected token synced", zap.Error(cerr))
		}
		p.observe("marked_synced")
		onError(postErr)
	case backend.ShouldUseOfflineEntitlementsAndNotConsume:
		if p.offline == nil {
			p.observe("error")
			onError(postErr)
			return
		}
		info, oerr := p.offline.Compute(ctx, appUserID)
		if oerr != nil {
			p.log.Warn("offline entitlement fallback failed", zap.Error(oerr))
			p.observe("error")
			onError(postErr)
			return
		}
		info.Verification = model.VerificationVerifiedOnDevice
		p.log.Info("serving device-computed entitlements after backend failure",
			zap.String("appUserID", appUserID))
		p.observe("offline_fallback")
		p.publish(info)
		onSuccess(info)
	default:
		p.observe("error")
		onError(postErr)
	}
}

func (p *Poster) observe(outcome string) {
	if p.OnOutcome != nil {
		p.OnOutcome(outcome)
	}
}

func (p *Poster) publish(info *model.CustomerInfo) {
	if p.OnSnapshot != nil {
		p.OnSnapshot(info)
	}
}

// wrapQueueError classifies billing queue failures for callers.
func wrapQueueError(err error) error {
	return errs.Wrap(errs.KindStoreProblem, "query purchase queue", err)
}
