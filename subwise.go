// Package subwise synchronizes store purchases with an entitlement backend:
// coalesced backend calls, retrying acknowledge/consume execution, posted-token
// bookkeeping and a pending purchase sweep. Construct a Client per process;
// there is no global singleton.
package subwise

import (
	"context"
	gosync "sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/subwise/subwise-go/internal/backend"
	"github.com/subwise/subwise-go/internal/backend/restyclient"
	"github.com/subwise/subwise-go/internal/billing"
	"github.com/subwise/subwise-go/internal/cache"
	"github.com/subwise/subwise-go/internal/dispatch"
	"github.com/subwise/subwise-go/internal/errs"
	"github.com/subwise/subwise-go/internal/identity"
	"github.com/subwise/subwise-go/internal/model"
	"github.com/subwise/subwise-go/internal/storage/memory"
	"github.com/subwise/subwise-go/internal/sync"
)

// Result aliases the sweep report type.
type Result = sync.Result

// Client is the SDK handle.
type Client struct {
	cfg  Config
	log  *zap.Logger
	d    *dispatch.Dispatcher
	main *dispatch.Dispatcher

	identity *identity.Manager
	cache    *cache.DeviceCache
	backend  *backend.Backend
	wrapper  *billing.Wrapper
	poster   *sync.Poster
	orch     *sync.Orchestrator

	inBackground atomic.Bool
	listener     atomic.Pointer[func(*model.CustomerInfo)]
	closeOnce    gosync.Once
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	store := cfg.Store
	if store == nil {
		store = memory.New()
	}
	exec := cfg.Executor
	if exec == nil {
		exec = restyclient.New(cfg.BaseURL, cfg.APIKey, cfg.SignKey, cfg.RequestTimeout)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	c := &Client{
		cfg:      cfg,
		log:      log,
		d:        dispatch.New(workers),
		main:     dispatch.New(1), // store calls require a single serialized context
		identity: identity.New(cfg.AppUserID),
		cache:    cache.New(store, log.Named("cache")),
	}
	c.backend = backend.New(exec, c.d, log.Named("backend"))
	c.wrapper = billing.NewWrapper(
		cfg.ClientProvider, cfg.Querier, c.cache, c.main,
		c.inBackground.Load, log.Named("billing"))

	products := cfg.Products
	if products == nil {
		products = noProducts{}
	}
	c.poster = sync.NewPoster(
		c.backend, c.wrapper, c.cache, products,
		sync.NewQueueCalculator(cfg.Querier), cfg.FinishTransactions, log.Named("sync"))
	c.poster.OnSnapshot = c.notifySnapshot
	c.orch = sync.NewOrchestrator(
		cfg.AutoSyncEnabled, c.identity, cfg.Querier, c.cache, c.poster, c.d,
		log.Named("sync"))

	if m := cfg.Metrics; m != nil {
		c.backend.Observe(
			func(op string) { m.CoalescerHits.WithLabelValues(op).Inc() },
			func(op string) { m.CoalescerMisses.WithLabelValues(op).Inc() })
		c.poster.OnOutcome = func(outcome string) {
			m.PostOutcomes.WithLabelValues(outcome).Inc()
		}
		c.orch.OnOutcome = func(outcome string) {
			m.SweepOutcomes.WithLabelValues(outcome).Inc()
		}
	}
	return c, nil
}

// SetAppInBackground flips the lifecycle state. Background state selects the
// longer SERVICE_UNAVAILABLE retry bound and delays customer-info fetches.
func (c *Client) SetAppInBackground(background bool) {
	c.inBackground.Store(background)
}

// SetCustomerInfoListener installs the observer notified with every new
// entitlement snapshot. At most one listener is attached; passing a new one
// replaces the previous.
func (c *Client) SetCustomerInfoListener(fn func(*model.CustomerInfo)) {
	if fn == nil {
		c.listener.Store(nil)
		return
	}
	c.listener.Store(&fn)
}

// RemoveCustomerInfoListener detaches the observer. Snapshots produced after
// detach are not delivered.
func (c *Client) RemoveCustomerInfoListener() {
	c.listener.Store(nil)
}

func (c *Client) notifySnapshot(info *model.CustomerInfo) {
	if fn := c.listener.Load(); fn != nil {
		(*fn)(info)
	}
}

// AppUserID returns the current identity.
func (c *Client) AppUserID() string { return c.identity.CurrentAppUserID() }

// IsAnonymous reports whether the current identity was generated locally.
func (c *Client) IsAnonymous() bool { return c.identity.IsAnonymous() }

// GetCustomerInfo fetches the entitlement snapshot for the current identity.
// Background callers get a jittered scheduling delay; a foreground call for
// the same identity promotes a still-delayed fetch. On fetch failure a cached
// snapshot is served when one exists.
func (c *Client) GetCustomerInfo(onResult func(*model.CustomerInfo, error)) {
	appUserID := c.identity.CurrentAppUserID()
	delay := dispatch.DelayNone
	if c.inBackground.Load() {
		delay = dispatch.DelayDefault
	}
	c.backend.GetCustomerInfo(appUserID, delay, func(info *model.CustomerInfo, err error) {
		if err == nil {
			if cerr := c.cache.CacheCustomerInfo(context.Background(), appUserID, *info); cerr != nil {
				c.log.Warn("failed to cache customer info", zap.Error(cerr))
			}
			c.notifySnapshot(info)
			onResult(info, nil)
			return
		}
		cached, cerr := c.cache.CachedCustomerInfo(context.Background(), appUserID)
		if cerr != nil {
			onResult(nil, err)
			return
		}
		c.log.Debug("serving cached customer info after fetch failure",
			zap.String("appUserID", appUserID))
		onResult(cached, nil)
	})
}

// SyncPendingPurchases sweeps the billing queue for receipts the backend has
// not seen yet. Fire-and-forget; exactly one Result is reported.
func (c *Client) SyncPendingPurchases(onResult func(Result)) {
	c.orch.SyncPendingPurchaseQueue(c.cfg.AllowSharingAccount, onResult)
}

// PostReceiptData posts one receipt without the finalize/cache side effects of
// a purchase flow. Identical concurrent posts share a single backend call.
func (c *Client) PostReceiptData(
	token, appUserID string,
	isRestore, finishTransactions bool,
	receiptInfo model.ReceiptInfo,
	storeAppUserID string,
	source model.InitiationSource,
	onSuccess func(*model.CustomerInfo),
	onError func(error),
) {
	c.backend.PostReceipt(backend.PostReceiptRequest{
		Token:              token,
		AppUserID:          appUserID,
		IsRestore:          isRestore,
		FinishTransactions: finishTransactions,
		ReceiptInfo:        receiptInfo,
		StoreAppUserID:     storeAppUserID,
		Source:             source,
	}, onSuccess, onError)
}

// Acknowledge marks a purchase as processed with the store, retrying per the
// policy for source.
func (c *Client) Acknowledge(
	token string, source model.InitiationSource, onComplete func(token string, err *errs.Error),
) {
	c.wrapper.Acknowledge(token, source, onComplete)
}

// ConsumeAndSave finalizes an accepted purchase and records its token.
func (c *Client) ConsumeAndSave(
	finishTransactions bool,
	purchase model.StoreTransaction,
	shouldConsume bool,
	source model.InitiationSource,
) {
	c.wrapper.ConsumeAndSave(finishTransactions, purchase, shouldConsume, source)
}

// Restore posts the full purchase history, including expired purchases, in
// restore mode. Reports the snapshot of the last posted transaction, or the
// first error observed. With no history it falls through to a plain fetch.
func (c *Client) Restore(onResult func(*model.CustomerInfo, error)) {
	appUserID := c.identity.CurrentAppUserID()
	c.d.Enqueue(func() {
		txns, err := c.cfg.Querier.QueryAllPurchases(context.Background(), appUserID)
		if err != nil {
			onResult(nil, errs.Wrap(errs.KindStoreProblem, "query purchase history", err))
			return
		}
		if len(txns) == 0 {
			c.GetCustomerInfo(onResult)
			return
		}
		c.restoreAll(txns, appUserID, onResult)
	}, dispatch.DelayNone)
}

func (c *Client) restoreAll(
	txns []model.StoreTransaction, appUserID string, onResult func(*model.CustomerInfo, error),
) {
	var mu gosync.Mutex
	remaining := len(txns)
	reported := false
	infos := make([]*model.CustomerInfo, len(txns))

	for i, txn := range txns {
		i, txn := i, txn
		c.poster.PostTransaction(txn, appUserID, true, model.SourceRestore,
			func(info *model.CustomerInfo) {
				mu.Lock()
				infos[i] = info
				remaining--
				done := remaining == 0 && !reported
				if done {
					reported = true
				}
				mu.Unlock()
				if done {
					onResult(infos[len(infos)-1], nil)
				}
			},
			func(err error) {
				mu.Lock()
				first := !reported
				reported = true
				mu.Unlock()
				if first {
					onResult(nil, err)
				}
			})
	}
}

// LogIn switches to newAppUserID, aliasing the current identity. The cached
// snapshot of the previous identity is dropped and the new one cached.
func (c *Client) LogIn(
	newAppUserID string,
	onResult func(info *model.CustomerInfo, created bool, err error),
) {
	oldAppUserID := c.identity.CurrentAppUserID()
	c.backend.LogIn(oldAppUserID, newAppUserID,
		func(info *model.CustomerInfo, created bool, err error) {
			if err != nil {
				onResult(nil, false, err)
				return
			}
			ctx := context.Background()
			if cerr := c.cache.ClearCustomerInfo(ctx, oldAppUserID); cerr != nil {
				c.log.Debug("failed to clear previous snapshot", zap.Error(cerr))
			}
			c.identity.SwitchUser(newAppUserID)
			if cerr := c.cache.CacheCustomerInfo(ctx, newAppUserID, *info); cerr != nil {
				c.log.Warn("failed to cache customer info", zap.Error(cerr))
			}
			c.notifySnapshot(info)
			onResult(info, created, nil)
		})
}

// LogOut reverts to a fresh anonymous identity and drops the cached snapshot.
func (c *Client) LogOut() string {
	old := c.identity.CurrentAppUserID()
	if err := c.cache.ClearCustomerInfo(context.Background(), old); err != nil {
		c.log.Debug("failed to clear snapshot on logout", zap.Error(err))
	}
	return c.identity.SwitchUser("")
}

// Close drains the dispatchers. Pending callbacks scheduled after Close are
// dropped.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.d.Close()
		c.main.Close()
	})
}

// noProducts is the default metadata provider: receipts post without client
// price context.
type noProducts struct{}

var _ sync.StoreProductsProvider = noProducts{}

func (noProducts) ProductForTransaction(context.Context, model.StoreTransaction) (*model.StoreProduct, error) {
	return nil, nil
}
